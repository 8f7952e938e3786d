package server

import (
	"net/http"

	"github.com/teranos/tock/logger"
	"github.com/teranos/tock/store"
)

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.opts.Store.ListSchedules(r.Context())
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to list schedules")
		return
	}
	if schedules == nil {
		schedules = []*store.JobSchedule{}
	}
	writeJSON(w, http.StatusOK, ListSchedulesResponse{Schedules: schedules, Count: len(schedules)})
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	js := &store.JobSchedule{}
	req.apply(js)
	if err := s.opts.Store.CreateSchedule(r.Context(), js); err != nil {
		writeDomainError(w, s.logger, err, "failed to create schedule")
		return
	}

	s.logger.Infow("Schedule created",
		logger.FieldScheduleID, js.ID,
		logger.FieldCommand, js.Command,
		"fields", js.Fields.String(),
	)
	writeJSON(w, http.StatusCreated, js)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	js, err := s.opts.Store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, js)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	js, err := s.opts.Store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, s.logger, err, "failed to get schedule")
		return
	}
	req.apply(js)
	if err := s.opts.Store.UpdateSchedule(r.Context(), js); err != nil {
		writeDomainError(w, s.logger, err, "failed to update schedule")
		return
	}

	s.logger.Infow("Schedule updated", logger.FieldScheduleID, js.ID, "active", js.Active)
	writeJSON(w, http.StatusOK, js)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Store.DeleteSchedule(r.Context(), id); err != nil {
		writeDomainError(w, s.logger, err, "failed to delete schedule")
		return
	}
	s.logger.Infow("Schedule deleted", logger.FieldScheduleID, id)
	w.WriteHeader(http.StatusNoContent)
}
