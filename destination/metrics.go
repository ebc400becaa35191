package destination

import (
	"time"

	"github.com/maxpert/tapline/mutation"
)

// NoopMetrics discards every signal
type NoopMetrics struct{}

func (NoopMetrics) BufferFull(mutation.Metadata)      {}
func (NoopMetrics) BufferSize(int, mutation.Metadata) {}
func (NoopMetrics) SendTime(time.Duration)            {}
func (NoopMetrics) SendFailed(error)                  {}
func (NoopMetrics) Published(int)                     {}
func (NoopMetrics) Clear()                            {}
