package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func RetryBackoffKey(jobID string) string {
	return fmt.Sprintf("job:backoff:%s", jobID)
}

func CancelKey(jobID string) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}
