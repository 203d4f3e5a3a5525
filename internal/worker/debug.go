package worker

import "os"

// Worker lifecycle tracing is only emitted with NEGOTIATECHAT_WORKER_DEBUG=1.
var workerDebugEnabled = os.Getenv("NEGOTIATECHAT_WORKER_DEBUG") == "1"

func (p *Pool) debug(msg string, args ...any) {
	if workerDebugEnabled {
		p.logger.Info(msg, append(args, "component", "worker")...)
	}
}
