package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tock/errors"
	"github.com/teranos/tock/store"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		jobID string
	}{
		{"spawn", &Spawn{Job: &store.Job{ID: "j1", Command: "echo", Parameters: []string{"hello"}}}, "j1"},
		{"stdout keeps raw bytes", &Stdout{JobID: "j2", Data: []byte{0x00, 0xff, '\n'}}, "j2"},
		{"complete", &Complete{JobID: "j3", TotalRunTime: 12, PID: 99}, "j3"},
		{"announce", &Announce{WorkerID: "w", JobIDs: []string{"a", "b"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
			assert.Equal(t, tt.jobID, JobIDOf(got))
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reboot","data":{}}`))
	assert.True(t, errors.Is(err, ErrUnknownKind))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"complete","data":{"pid":"nope"}}`))
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	hub, err := NewHub(HubOptions{Constraint: "^1.0.0"}, nil)
	require.NoError(t, err)

	assert.NoError(t, checkVersion(hub.constraint, &Hello{WorkerID: "w", Version: ProtocolVersion}))
	assert.True(t, errors.IsInvalidRequestError(checkVersion(hub.constraint, &Hello{WorkerID: "w", Version: "2.0.0"})))
	assert.True(t, errors.IsInvalidRequestError(checkVersion(hub.constraint, &Hello{WorkerID: "w", Version: "banana"})))

	_, err = NewHub(HubOptions{Constraint: "not a constraint ~~"}, nil)
	assert.Error(t, err)
}

func TestNewHello(t *testing.T) {
	h := NewHello("")
	assert.Equal(t, DefaultWorkerID(), h.WorkerID)
	assert.Equal(t, ProtocolVersion, h.Version)
	assert.NotZero(t, h.PID)
	assert.NotEmpty(t, h.Host.OS)

	assert.Equal(t, "fixed", NewHello("fixed").WorkerID)
}
