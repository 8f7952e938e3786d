package server

import (
	"net/http"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/master"
	"github.com/teranos/tock/output"
	"github.com/teranos/tock/store"
	"github.com/teranos/tock/transport"
	"github.com/teranos/tock/version"
)

// HandleHealth reports liveness, build info and load
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := HealthResponse{
		Status:   "ok",
		Version:  info.Version,
		Commit:   info.CommitHash,
		Protocol: info.Protocol,
	}
	if s.opts.Workers != nil {
		health.Workers = len(s.opts.Workers.Workers())
	}
	if s.opts.Dispatcher != nil {
		running, err := s.opts.Dispatcher.RunningJobs()
		if err != nil {
			health.Status = "closing"
		}
		health.RunningJobs = len(running)
	}
	writeJSON(w, http.StatusOK, health)
}

// HandleWorkers lists connected workers
func (s *Server) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	var workers []transport.WorkerInfo
	if s.opts.Workers != nil {
		workers = s.opts.Workers.Workers()
	}
	if workers == nil {
		workers = []transport.WorkerInfo{}
	}
	writeJSON(w, http.StatusOK, ListWorkersResponse{Workers: workers, Count: len(workers)})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultJobListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.JobFilter{
		ScheduleID: r.URL.Query().Get("schedule"),
		State:      store.JobState(r.URL.Query().Get("state")),
		Limit:      limit,
	}

	jobs, err := s.opts.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleRunningJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.opts.Dispatcher.RunningJobs()
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to list running jobs")
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.opts.Store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRunJob submits a one-off job. A run_sync request holds the
// connection until the job completes.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var req RunJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	s.logger.Infow("Run job request",
		logger.FieldCommand, req.Command,
		"sync", req.RunSync,
		"remote", r.RemoteAddr,
	)

	sub, err := s.opts.Dispatcher.SpawnSingleJob(r.Context(), req.toSingleJobRequest())
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to run job")
		return
	}

	status := http.StatusCreated
	if sub.Job == nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, RunJobResponse{SingleJob: sub.SingleJob, Job: sub.Job})
}

func (s *Server) handleKillJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.logger.Infow("Kill job request", logger.FieldJobID, shortID(id), "remote", r.RemoteAddr)

	if err := s.opts.Dispatcher.KillJob(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, err, "failed to kill job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleJobOutput serves a job's captured output. With follow=1 and a live
// job it streams output produced after the request until the job finishes;
// otherwise it returns what the output store holds.
func (s *Server) handleJobOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stream := master.Stream(r.URL.Query().Get("stream"))
	if stream == "" {
		stream = master.StreamStdout
	}
	if stream != master.StreamStdout && stream != master.StreamStderr {
		writeError(w, http.StatusBadRequest, "stream must be stdout or stderr")
		return
	}

	if r.URL.Query().Get("follow") == "1" {
		chunks, cancel, err := s.opts.Dispatcher.SubscribeOutput(id)
		if err == nil {
			defer cancel()
			s.followOutput(w, r, chunks, stream)
			return
		}
		if !errors.Is(err, errors.ErrJobNotRunning) {
			writeDomainError(w, s.logger, err, "failed to follow output")
			return
		}
		// Finished already: fall through to the stored output
	}

	job, err := s.opts.Store.GetJob(r.Context(), id)
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to get job")
		return
	}
	name := job.StdOut
	if stream == master.StreamStderr {
		name = job.StdErr
	}
	if name == "" {
		writeError(w, http.StatusNotFound, "job has no "+string(stream)+" stream")
		return
	}

	data, err := output.ReadAll(r.Context(), s.opts.Output, name)
	if err != nil && !errors.IsNotFoundError(err) {
		writeDomainError(w, s.logger, err, "failed to read output")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) followOutput(w http.ResponseWriter, r *http.Request, chunks <-chan master.OutputChunk, stream master.Stream) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if chunk.Stream != stream {
				continue
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}
