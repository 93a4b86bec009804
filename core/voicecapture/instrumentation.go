package voicecapture

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/opsvoice/voice-core/core/voicecapture"

var logger = otelslog.NewLogger(scopeName)
