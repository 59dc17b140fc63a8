package kafka

import (
	"errors"
	"time"

	"github.com/mohammed-shakir/mocgen/internal/jobs"
)

// RequestMessage is one build request on the requests topic. Redeliveries and
// stale versions of the same RequestID are ignored.
type RequestMessage struct {
	RequestID string            `json:"request_id"`
	Version   uint64            `json:"version"`
	TS        time.Time         `json:"ts"`
	Build     jobs.BuildRequest `json:"build"`
}

func (m RequestMessage) Validate() error {
	if m.RequestID == "" {
		return errors.New("request_id is required")
	}
	if len(m.Build.Planes) == 0 {
		return errors.New("build has no planes")
	}
	return nil
}
