package analytics

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileSink appends records as JSON lines to a file.
type LogFileSink struct {
	fileName string
	logger   *zap.Logger
}

var _ Sink = new(LogFileSink)

func NewLogFileSink(fileName string) (*LogFileSink, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileSink{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (ls *LogFileSink) Name() string {
	return "log-file"
}

func (ls *LogFileSink) WriteAttempt(r AttemptRecord) error {
	ls.logger.Info("attempt",
		zap.String("executionId", r.ExecutionId),
		zap.String("workflowId", r.WorkflowId),
		zap.String("action", r.Action),
		zap.String("actionType", string(r.ActionType)),
		zap.String("target", r.Target),
		zap.Int("attempt", r.Attempt),
		zap.Bool("success", r.Success),
		zap.String("errorKind", string(r.ErrorKind)),
		zap.String("error", r.Error),
		zap.Int64("latencyMs", r.LatencyMs),
		zap.Float64("cost", r.Cost),
		zap.Bool("fallback", r.Fallback),
	)
	return nil
}

func (ls *LogFileSink) WriteExecution(r ExecutionRecord) error {
	ls.logger.Info("execution",
		zap.String("executionId", r.ExecutionId),
		zap.String("workflowId", r.WorkflowId),
		zap.Int("workflowVersion", r.WorkflowVersion),
		zap.String("status", string(r.Status)),
		zap.String("severity", string(r.Severity)),
		zap.Bool("cancelled", r.Cancelled),
		zap.Int64("durationMs", r.DurationMs),
	)
	return nil
}

func (ls *LogFileSink) Close() error {
	return ls.logger.Sync()
}
