package chat

import (
	"cmp"
	"slices"
	"sync"
	"time"
	"tiwut/internal/models"
)

const DefaultMaxRecords = 500

type Seq int64

type Record struct {
	Seq     Seq
	Message models.Message
}

// Timeline holds the most recent messages of the selected room in a ring
// buffer. It starts from a history snapshot and then only accepts
// messages newer than that snapshot.
type Timeline struct {
	RoomID     string
	Records    []Record
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	// RecordCallback is called for every message accepted by Add.
	RecordCallback func(roomID string, record Record)

	baseline int64
	latest   int64
	ids      map[string]Seq

	mux sync.RWMutex
}

type Config struct {
	RoomID         string
	MaxRecords     int
	RecordCallback func(roomID string, record Record)
}

func New(config Config) *Timeline {
	if config.MaxRecords <= 0 {
		config.MaxRecords = DefaultMaxRecords
	}
	t := &Timeline{
		RoomID:         config.RoomID,
		MaxRecords:     config.MaxRecords,
		RecordCallback: config.RecordCallback,
	}
	t.reset()
	return t
}

func (t *Timeline) reset() {
	t.Records = nil
	t.LastIndex = -1
	t.FirstSeq = -1
	t.LastSeq = -1
	t.baseline = 0
	t.latest = 0
	t.ids = make(map[string]Seq)
}

// Load replaces the timeline with a history snapshot and returns the
// baseline: the newest timestamp in history, or now when history is
// empty. Live messages must be newer than the baseline.
func (t *Timeline) Load(history map[string]models.Message, now time.Time) int64 {
	messages := make([]models.Message, 0, len(history))
	for id, msg := range history {
		msg.ID = id
		messages = append(messages, msg)
	}
	slices.SortFunc(messages, func(a, b models.Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), cmp.Compare(a.ID, b.ID))
	})

	t.mux.Lock()
	defer t.mux.Unlock()

	t.reset()
	if len(messages) > t.MaxRecords {
		messages = messages[len(messages)-t.MaxRecords:]
	}
	for _, msg := range messages {
		t.append(msg)
	}

	if len(messages) == 0 {
		t.baseline = now.UnixMilli()
	} else {
		t.baseline = messages[len(messages)-1].Timestamp
	}
	t.latest = t.baseline
	return t.baseline
}

// Add appends a live message. It reports false for messages already in
// the timeline and for messages not newer than the baseline.
func (t *Timeline) Add(msg models.Message) bool {
	t.mux.Lock()
	if _, dup := t.ids[msg.ID]; dup || msg.Timestamp <= t.baseline {
		t.mux.Unlock()
		return false
	}
	record := t.append(msg)
	t.latest = max(t.latest, msg.Timestamp)
	callback := t.RecordCallback
	t.mux.Unlock()

	if callback != nil {
		callback(t.RoomID, record)
	}
	return true
}

// append writes msg into the ring buffer, evicting the oldest record
// once full. Callers hold the lock.
func (t *Timeline) append(msg models.Message) Record {
	t.LastSeq++
	record := Record{Seq: t.LastSeq, Message: msg}

	switch {
	case len(t.Records) < t.MaxRecords:
		if t.FirstSeq == -1 {
			t.FirstSeq = t.LastSeq
		}
		t.Records = append(t.Records, record)
		t.LastIndex++
	default:
		t.FirstSeq++
		i := (t.LastIndex + 1) % t.MaxRecords
		delete(t.ids, t.Records[i].Message.ID)
		t.Records[i] = record
		t.LastIndex = i
	}

	t.ids[msg.ID] = record.Seq
	return record
}

// GetLastRecords returns up to count of the newest messages in
// chronological order.
func (t *Timeline) GetLastRecords(count int) []models.Message {
	t.mux.RLock()
	defer t.mux.RUnlock()

	if t.LastSeq == -1 || count <= 0 {
		return []models.Message{}
	}

	total := int(t.LastSeq - t.FirstSeq + 1)
	if count > total {
		count = total
	}

	head := 0
	if len(t.Records) == t.MaxRecords {
		head = (t.LastIndex + 1) % t.MaxRecords
	}
	offset := total - count
	start := (head + offset) % len(t.Records)

	result := make([]models.Message, count)
	for i := range count {
		result[i] = t.Records[(start+i)%len(t.Records)].Message
	}
	return result
}

// Baseline is the timestamp the live stream has to start after.
func (t *Timeline) Baseline() int64 {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.baseline
}

// LastTimestamp is the newest timestamp seen, including live messages.
func (t *Timeline) LastTimestamp() int64 {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.latest
}
