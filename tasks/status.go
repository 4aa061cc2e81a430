package tasks

import (
	"errors"
	"fmt"
	"strings"
)

type TaskID = uint32
type BatchID = uint32

// Status of a task. The byte value is also the bitmap key suffix on disk.
type Status byte

const (
	Enqueued   Status = 'E'
	Processing Status = 'P'
	Succeeded  Status = 'S'
	Failed     Status = 'F'
	Canceled   Status = 'C'
)

var ErrBadStatus = errors.New("bad task status")

func AllStatuses() []Status {
	return []Status{Enqueued, Processing, Succeeded, Failed, Canceled}
}

func (s Status) String() string {
	switch s {
	case Enqueued:
		return "enqueued"
	case Processing:
		return "processing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("status(%d)", byte(s))
	}
}

// Finished reports whether the status is terminal.
func (s Status) Finished() bool {
	return s == Succeeded || s == Failed || s == Canceled
}

func ParseStatus(str string) (Status, error) {
	for _, s := range AllStatuses() {
		if strings.EqualFold(s.String(), str) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: `%s`", ErrBadStatus, str)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) (err error) {
	*s, err = ParseStatus(string(text))
	return
}
