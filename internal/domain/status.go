package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	WAITING → RUNNING → FINISHED
//	        ↘         ↘ FAILED
//	          (или) → KILLED (из WAITING или RUNNING)
//
// Статус хранится одним значением, поэтому в любой момент времени
// у run ровно один статус.
type RunStatus string

const (
	// RunStatusWaiting — run создан, ни один task ещё не запущен.
	RunStatusWaiting RunStatus = "WAITING"

	// RunStatusRunning — хотя бы один task (в поддереве) выполняется.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusFinished — run успешно завершён.
	RunStatusFinished RunStatus = "FINISHED"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusKilled — run остановлен (пользователем или из-за ошибки в дереве).
	RunStatusKilled RunStatus = "KILLED"
)

// IsTerminal возвращает true, если статус финальный.
// Из финального статуса переходов нет.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return true
	default:
		return false
	}
}

// Label возвращает человекочитаемое имя статуса ("Finished", "Failed", ...).
func (s RunStatus) Label() string {
	switch s {
	case RunStatusFailed:
		return "Failed"
	case RunStatusFinished:
		return "Finished"
	case RunStatusKilled:
		return "Killed"
	case RunStatusRunning:
		return "Running"
	case RunStatusWaiting:
		return "Waiting"
	default:
		return "Unknown"
	}
}

// ParseRunStatus парсит строку в RunStatus.
func ParseRunStatus(s string) (RunStatus, bool) {
	switch RunStatus(s) {
	case RunStatusWaiting, RunStatusRunning, RunStatusFinished, RunStatusFailed, RunStatusKilled:
		return RunStatus(s), true
	default:
		return "", false
	}
}

// PostprocessingStatus — статус однократного раскрытия run в дерево.
//
//	NOT_STARTED → IN_PROGRESS → COMPLETE
//	                          ↘ FAILED
type PostprocessingStatus string

const (
	PostprocessingNotStarted PostprocessingStatus = "NOT_STARTED"
	PostprocessingInProgress PostprocessingStatus = "IN_PROGRESS"
	PostprocessingComplete   PostprocessingStatus = "COMPLETE"
	PostprocessingFailed     PostprocessingStatus = "FAILED"
)

// TaskStatus — видимый снаружи статус task.
// Выводится из последней попытки (TaskAttempt).
type TaskStatus string

const (
	// TaskStatusWaiting — task создан, попытки ещё нет.
	TaskStatusWaiting TaskStatus = "WAITING"

	// TaskStatusRunning — есть активная попытка.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusFinished — попытка завершилась успешно.
	TaskStatusFinished TaskStatus = "FINISHED"

	// TaskStatusFailed — все попытки исчерпаны.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusKilled — task остановлен вместе с run.
	TaskStatusKilled TaskStatus = "KILLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusFinished, TaskStatusFailed, TaskStatusKilled:
		return true
	default:
		return false
	}
}

// TaskAttemptStatus — шаг жизненного цикла попытки.
//
//	NOT_STARTED → PROVISIONING_HOST → LAUNCHING_MONITOR → RUNNING → FINISHED
//
// Ошибка на любом шаге переводит попытку сразу в FINISHED
// (результат фиксируется в AttemptResult).
type TaskAttemptStatus string

const (
	AttemptNotStarted       TaskAttemptStatus = "NOT_STARTED"
	AttemptProvisioningHost TaskAttemptStatus = "PROVISIONING_HOST"
	AttemptLaunchingMonitor TaskAttemptStatus = "LAUNCHING_MONITOR"
	AttemptRunning          TaskAttemptStatus = "RUNNING"
	AttemptFinished         TaskAttemptStatus = "FINISHED"
)

// IsTerminal возвращает true для FINISHED.
func (s TaskAttemptStatus) IsTerminal() bool {
	return s == AttemptFinished
}

// rank — порядок шагов; статус попытки только растёт.
func (s TaskAttemptStatus) rank() int {
	switch s {
	case AttemptNotStarted:
		return 0
	case AttemptProvisioningHost:
		return 1
	case AttemptLaunchingMonitor:
		return 2
	case AttemptRunning:
		return 3
	case AttemptFinished:
		return 4
	default:
		return -1
	}
}

// ParseTaskAttemptStatus парсит строку в TaskAttemptStatus.
func ParseTaskAttemptStatus(s string) (TaskAttemptStatus, bool) {
	st := TaskAttemptStatus(s)
	if st.rank() < 0 {
		return "", false
	}
	return st, true
}

// AttemptResult — итог завершённой попытки.
type AttemptResult string

const (
	AttemptResultNone    AttemptResult = ""
	AttemptResultSuccess AttemptResult = "SUCCESS"
	AttemptResultFailure AttemptResult = "FAILURE"
	AttemptResultKilled  AttemptResult = "KILLED"
)

// UploadStatus — статус загрузки файла в хранилище.
type UploadStatus string

const (
	UploadIncomplete UploadStatus = "incomplete"
	UploadComplete   UploadStatus = "complete"
	UploadFailed     UploadStatus = "failed"
)
