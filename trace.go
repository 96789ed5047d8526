package openh264

import "go.uber.org/zap"

// traceSink forwards native log lines to log, mapping WELS_LOG levels onto
// zap levels.
func traceSink(log *zap.Logger) func(level TraceLevel, msg string) {
	log = log.Named("native")
	return func(level TraceLevel, msg string) {
		switch {
		case level == TraceQuiet:
		case level <= TraceError:
			log.Error(msg)
		case level <= TraceWarning:
			log.Warn(msg)
		case level <= TraceInfo:
			log.Info(msg)
		default:
			log.Debug(msg, zap.Stringer("level", level))
		}
	}
}

// installTrace routes native logging through log when the handle supports
// it. A rejected callback is logged and otherwise ignored.
func installTrace(handle any, log *zap.Logger) {
	tracer, ok := handle.(nativeTracer)
	if !ok {
		log.Debug("native trace routing not supported by this binding")
		return
	}
	if rv := tracer.SetTrace(traceSink(log)); rv != 0 {
		log.Warn("native trace callback rejected", zap.Int("status", rv))
	}
}
