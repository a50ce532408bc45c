package observability

import (
	"testing"
	"time"

	"github.com/danmuck/gamewire/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	SessionOpened()
	RecordFrameDecoded("chat")
	RecordFrameError("unknown_id", false)
	RecordFrameEncoded("chat")
	RecordSendFailure("oversize_frame")
	RecordDispatch(3*time.Millisecond, true)
	RecordHTTPRequest("GET", "/health", 200)
	SessionClosed("eof")

	log.Debug().Msg("observability/metrics: registration idempotent and recording paths executed")
}
