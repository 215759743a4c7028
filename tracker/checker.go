package tracker

import (
	"www.velocidex.com/golang/lptrack/config"
	"www.velocidex.com/golang/lptrack/logging"
)

// Checker predicts which task runs next after each fully resolved
// context switch and compares the prediction against the handle
// observed at the following syscall entry. Mismatches point at either
// a scheduling order we do not model yet or a dispatcher bug; they
// are logged, never fatal. Pure diagnostics - when disabled it costs
// a nil check per event.
type Checker struct {
	logger    *logging.LogContext
	predicted TaskID
}

func NewChecker(config_obj *config.Config) *Checker {
	if !config_obj.EnableChecker {
		return nil
	}

	return &Checker{
		logger: logging.GetLogger(config_obj, logging.CheckerComponent),
	}
}

// Predict records the task expected to run next. A nil record means
// we are switching to a context with no associated process.
func (self *Checker) Predict(record *ProcessRecord) {
	if self == nil {
		return
	}

	if record == nil {
		self.predicted = NoTask
		return
	}

	self.predicted = record.Handle.TaskID
}

// Observe compares the prediction with the handle seen at syscall
// entry. The vfork window makes two orderings legitimately
// unpredictable: the shared address space hides switches between the
// parent and child, so either side showing up instead of the other is
// fine.
func (self *Checker) Observe(handle ProcessHandle, record *ProcessRecord) {
	if self == nil {
		return
	}

	predicted := self.predicted
	self.predicted = handle.TaskID

	switch {
	case predicted == handle.TaskID:
		return

	case record.State == StateVfc:
		return

	case record.State == StateVfp && record.ForkChild == predicted:
		return
	}

	checkerMismatchCounter.Inc()
	self.logger.Warn(
		"next task prediction failed: predicted=%v observed=%v state=%v",
		predicted, handle.TaskID, record.State)
}
