package matcher

import (
	"time"

	"github.com/google/uuid"
)

func generateID() string {
	return uuid.NewString()
}

func currentTime() time.Time {
	return time.Now().UTC()
}
