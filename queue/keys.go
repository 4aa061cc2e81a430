package queue

import (
	"encoding/binary"
	"time"

	"github.com/drpcorg/taskq/tasks"
)

var (
	taskRecordPrefix   = []byte{'T', 'A'}
	taskStatusPrefix   = []byte{'T', 'S'}
	taskKindPrefix     = []byte{'T', 'K'}
	taskIndexPrefix    = []byte{'T', 'I'}
	taskCanceledPrefix = []byte{'T', 'C'}
	taskEnqueuedPrefix = []byte{'T', 'E'}
	taskStartedPrefix  = []byte{'T', 'B'}
	taskFinishedPrefix = []byte{'T', 'F'}

	batchRecordPrefix   = []byte{'B', 'A'}
	batchStatusPrefix   = []byte{'B', 'S'}
	batchKindPrefix     = []byte{'B', 'K'}
	batchIndexPrefix    = []byte{'B', 'I'}
	batchEnqueuedPrefix = []byte{'B', 'E'}
	batchStartedPrefix  = []byte{'B', 'B'}
	batchFinishedPrefix = []byte{'B', 'F'}
	batchMembersPrefix  = []byte{'B', 'M'}
)

func uidKey(prefix []byte, uid uint32) []byte {
	key := make([]byte, 0, len(prefix)+4)
	key = append(key, prefix...)
	return binary.BigEndian.AppendUint32(key, uid)
}

func uidFromKey(key []byte) uint32 {
	return binary.BigEndian.Uint32(key[len(key)-4:])
}

func taskKey(uid tasks.TaskID) []byte {
	return uidKey(taskRecordPrefix, uid)
}

func batchKey(uid tasks.BatchID) []byte {
	return uidKey(batchRecordPrefix, uid)
}

// timeSuffix keeps the order of signed nanoseconds under byte comparison.
func timeSuffix(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano())^(1<<63))
}

func timeFromSuffix(suffix []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(suffix)^(1<<63))).UTC()
}

func statusSuffix(s tasks.Status) []byte {
	return []byte{byte(s)}
}

func kindSuffix(k tasks.Kind) []byte {
	return []byte{byte(k)}
}

// prefixEnd is the smallest key greater than every key starting with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
