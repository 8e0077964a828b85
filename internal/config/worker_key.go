package config

type WorkerKeyStruct struct {
	PersistViolationsQueue string
	PersistAnswersQueue    string
	PersistOutcomesQueue   string
}

var WorkerKey = &WorkerKeyStruct{
	PersistViolationsQueue: "persist_violations_queue",
	PersistAnswersQueue:    "persist_answers_queue",
	PersistOutcomesQueue:   "persist_outcomes_queue",
}

// DeadLetter returns the list holding payloads of queue that the database
// rejected outright.
func (k *WorkerKeyStruct) DeadLetter(queue string) string {
	return queue + ":dead"
}
