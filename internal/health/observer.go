package health

import "time"

// Observer receives health events for metrics. Implementations must be
// safe for concurrent use; checkers report from their own goroutines.
type Observer interface {
	ObserveCheck(checker, kind string, status Status, elapsed time.Duration)
	SetCheckerStatus(checker, kind string, status Status)
	SetStatus(status Status)
	SetStage(stage Stage)
	IncLoopCycle()
	IncStatusChange(from, to Status)
	IncProbeSkipped(checker string)
}

type nopObserver struct{}

func (nopObserver) ObserveCheck(string, string, Status, time.Duration) {}
func (nopObserver) SetCheckerStatus(string, string, Status)            {}
func (nopObserver) SetStatus(Status)                                   {}
func (nopObserver) SetStage(Stage)                                     {}
func (nopObserver) IncLoopCycle()                                      {}
func (nopObserver) IncStatusChange(Status, Status)                     {}
func (nopObserver) IncProbeSkipped(string)                             {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
