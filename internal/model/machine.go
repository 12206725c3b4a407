package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"stayuptodo-laundry/internal/parse"
)

// MaxRunTime bounds how far in the future a finish time may be set.
const MaxRunTime = 4 * time.Hour

// TimestampResolution is the precision history timestamps keep. Postgres
// stores microseconds, so finer differences would collapse on reload.
const TimestampResolution = time.Microsecond

// Length limits, in characters, matching the persisted columns.
const (
	MaxUserLength            = 128
	MaxTelegramMessageLength = 1024
	MaxTelegramURLLength     = 512
)

// StatusHistoryEntry records one status change. Entries are never modified
// once appended.
type StatusHistoryEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	User      string    `json:"user"`
}

// TelegramMessage references the chat message that last updated a machine.
type TelegramMessage struct {
	Message    string  `json:"message"`
	MessageURL *string `json:"message_url"`
}

// Machine is a washer or dryer in one of the hostel blocks.
type Machine struct {
	ID                  string               `json:"id"`
	BlockNumber         int                  `json:"block_number"`
	Status              Status               `json:"status"`
	StatusHistory       []StatusHistoryEntry `json:"status_history"`
	EstimatedFinishTime *time.Time           `json:"estimated_finish_time"`
	TelegramMessage     *TelegramMessage     `json:"telegram_message"`
}

// NewMachine returns an available machine with an empty history.
func NewMachine(id string) (Machine, error) {
	parsed, err := parse.ParseMachineID(id)
	if err != nil {
		return Machine{}, err
	}
	return Machine{
		ID:            parsed.String(),
		BlockNumber:   parsed.Block,
		Status:        StatusAvailable,
		StatusHistory: []StatusHistoryEntry{},
	}, nil
}

// Validate checks the id grammar, block consistency, status and history order.
func (m Machine) Validate() error {
	if !parse.IsValidBlock(m.BlockNumber) {
		return fmt.Errorf("block number must be one of %v, got %d", parse.ValidBlocks, m.BlockNumber)
	}
	parsed, err := parse.ParseMachineID(m.ID)
	if err != nil {
		return err
	}
	if parsed.String() != m.ID {
		return fmt.Errorf("machine id %q is not canonical, expected %q", m.ID, parsed.String())
	}
	if parsed.Block != m.BlockNumber {
		return fmt.Errorf("machine id %s belongs to block %d, not %d", m.ID, parsed.Block, m.BlockNumber)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	for i, entry := range m.StatusHistory {
		if !entry.Status.Valid() {
			return fmt.Errorf("history entry %d has invalid status %q", i, entry.Status)
		}
		if utf8.RuneCountInString(entry.User) > MaxUserLength {
			return fmt.Errorf("history entry %d: user is longer than %d characters", i, MaxUserLength)
		}
		if i > 0 && !entry.Timestamp.After(m.StatusHistory[i-1].Timestamp) {
			return fmt.Errorf("history entry %d is not after entry %d", i, i-1)
		}
	}
	if ref := m.TelegramMessage; ref != nil {
		if utf8.RuneCountInString(ref.Message) > MaxTelegramMessageLength {
			return fmt.Errorf("telegram message is longer than %d characters", MaxTelegramMessageLength)
		}
		if ref.MessageURL != nil && utf8.RuneCountInString(*ref.MessageURL) > MaxTelegramURLLength {
			return fmt.Errorf("telegram message url is longer than %d characters", MaxTelegramURLLength)
		}
	}
	return nil
}

// Type derives washer/dryer from the id.
func (m Machine) Type() MachineType {
	parsed, err := parse.ParseMachineID(m.ID)
	if err != nil {
		return ""
	}
	return typeFromLetter(parsed.Letter)
}

// Number derives the per-type sequence number from the id.
func (m Machine) Number() int {
	parsed, err := parse.ParseMachineID(m.ID)
	if err != nil {
		return 0
	}
	return parsed.Seq
}

// Clone returns a deep copy that shares no memory with m.
func (m Machine) Clone() Machine {
	out := m
	out.StatusHistory = append([]StatusHistoryEntry{}, m.StatusHistory...)
	if m.EstimatedFinishTime != nil {
		ft := *m.EstimatedFinishTime
		out.EstimatedFinishTime = &ft
	}
	if m.TelegramMessage != nil {
		tm := *m.TelegramMessage
		if tm.MessageURL != nil {
			u := *tm.MessageURL
			tm.MessageURL = &u
		}
		out.TelegramMessage = &tm
	}
	return out
}

// RemainingSeconds derives the time left on the current cycle. It is zero
// unless the machine is in use with a finish time in the future.
func (m Machine) RemainingSeconds(now time.Time) int {
	if m.Status != StatusInUse || m.EstimatedFinishTime == nil {
		return 0
	}
	left := m.EstimatedFinishTime.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

// FormatRemaining renders seconds as MM:SS. Minutes are not wrapped at 60.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// machineJSON is the wire shape: the stored fields plus derived, read-only ones.
type machineJSON struct {
	machineAlias
	Type                 MachineType `json:"type"`
	RemainingTimeSeconds int         `json:"remaining_time_seconds"`
	RemainingTime        string      `json:"remaining_time"`
}

type machineAlias Machine

// MarshalJSON adds the derived type and remaining time. Derived fields are
// ignored when decoding.
func (m Machine) MarshalJSON() ([]byte, error) {
	remaining := m.RemainingSeconds(time.Now())
	history := m.StatusHistory
	if history == nil {
		history = []StatusHistoryEntry{}
	}
	alias := machineAlias(m)
	alias.StatusHistory = history
	return json.Marshal(machineJSON{
		machineAlias:         alias,
		Type:                 m.Type(),
		RemainingTimeSeconds: remaining,
		RemainingTime:        FormatRemaining(remaining),
	})
}
