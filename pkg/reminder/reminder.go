// Package reminder sends yearly messages (birthdays and the like) to
// WhatsApp chats.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrInvalidDate = errors.New("invalid date, expected DD/MM")

type Reminder struct {
	ChatID       string `json:"wa_chat_id"`
	Name         string `json:"name"`
	Day          int    `json:"day"`
	Month        int    `json:"month"`
	Message      string `json:"message"`
	LastYearSent int    `json:"last_year_sent,omitempty"`
}

// ParseDate parses a DD/MM date. February 29th is accepted.
func ParseDate(date string) (day, month int, err error) {
	dayStr, monthStr, ok := strings.Cut(strings.TrimSpace(date), "/")
	if !ok {
		return 0, 0, ErrInvalidDate
	}
	day, err = strconv.Atoi(dayStr)
	if err != nil {
		return 0, 0, ErrInvalidDate
	}
	month, err = strconv.Atoi(monthStr)
	if err != nil || month < 1 || month > 12 {
		return 0, 0, ErrInvalidDate
	}
	// 2024 is a leap year, so this validates the day against the longest
	// possible month.
	if day < 1 || time.Date(2024, time.Month(month), day, 0, 0, 0, 0, time.UTC).Day() != day {
		return 0, 0, ErrInvalidDate
	}
	return day, month, nil
}

// Data is the persisted reminder list.
type Data struct {
	mu        sync.RWMutex
	reminders []Reminder
}

type dataJSON struct {
	Reminders []Reminder `json:"birthdays"`
}

func (d *Data) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	raw := dataJSON{Reminders: slices.Clone(d.reminders)}
	d.mu.RUnlock()
	if raw.Reminders == nil {
		raw.Reminders = []Reminder{}
	}
	return json.Marshal(raw)
}

func (d *Data) UnmarshalJSON(data []byte) error {
	var raw dataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.mu.Lock()
	d.reminders = raw.Reminders
	d.mu.Unlock()
	return nil
}

type Sender func(ctx context.Context, chatID, text string) error

type Service struct {
	data     *Data
	send     Sender
	loc      *time.Location
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	changeLock sync.Mutex
	onChange   []func()
}

func NewService(data *Data, send Sender, loc *time.Location, interval time.Duration, log zerolog.Logger) *Service {
	if data == nil {
		data = &Data{}
	}
	if loc == nil {
		loc = time.UTC
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		data:     data,
		send:     send,
		loc:      loc,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// OnChange registers a callback run after every mutation of the data.
func (s *Service) OnChange(fn func()) {
	s.changeLock.Lock()
	s.onChange = append(s.onChange, fn)
	s.changeLock.Unlock()
}

func (s *Service) changed() {
	s.changeLock.Lock()
	fns := slices.Clone(s.onChange)
	s.changeLock.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Add registers a reminder, replacing an existing one with the same name in
// the same chat.
func (s *Service) Add(r Reminder) {
	s.data.mu.Lock()
	idx := slices.IndexFunc(s.data.reminders, func(existing Reminder) bool {
		return existing.ChatID == r.ChatID && existing.Name == r.Name
	})
	if idx >= 0 {
		s.data.reminders[idx] = r
	} else {
		s.data.reminders = append(s.data.reminders, r)
	}
	s.data.mu.Unlock()
	s.changed()
}

func (s *Service) Delete(chatID, name string) bool {
	s.data.mu.Lock()
	before := len(s.data.reminders)
	s.data.reminders = slices.DeleteFunc(s.data.reminders, func(r Reminder) bool {
		return r.ChatID == chatID && r.Name == name
	})
	deleted := len(s.data.reminders) != before
	s.data.mu.Unlock()
	if deleted {
		s.changed()
	}
	return deleted
}

func (s *Service) List(chatID string) []Reminder {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	var out []Reminder
	for _, r := range s.data.reminders {
		if r.ChatID == chatID {
			out = append(out, r)
		}
	}
	return out
}

// Start checks for due reminders immediately and then on every interval
// until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.log.Info().Stringer("interval", s.interval).Str("timezone", s.loc.String()).Msg("Starting reminder checker")
	go func() {
		s.Check(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Check sends every reminder due today that was not sent this year yet.
func (s *Service) Check(ctx context.Context) {
	today := s.now().In(s.loc)
	year := today.Year()
	var pending []Reminder
	s.data.mu.RLock()
	for _, r := range s.data.reminders {
		if r.LastYearSent >= year {
			continue
		}
		if r.Day == today.Day() && time.Month(r.Month) == today.Month() {
			pending = append(pending, r)
		}
	}
	s.data.mu.RUnlock()
	if len(pending) == 0 {
		return
	}

	sent := false
	for _, r := range pending {
		log := s.log.With().Str("wa_chat_id", r.ChatID).Str("name", r.Name).Logger()
		if err := s.send(ctx, r.ChatID, r.Message); err != nil {
			log.Err(err).Msg("Failed to send reminder")
			continue
		}
		log.Info().Msg("Sent reminder")
		s.data.mu.Lock()
		// The list may have changed while sending; match by identity.
		for i := range s.data.reminders {
			if s.data.reminders[i].ChatID == r.ChatID && s.data.reminders[i].Name == r.Name {
				s.data.reminders[i].LastYearSent = year
			}
		}
		s.data.mu.Unlock()
		sent = true
	}
	if sent {
		s.changed()
	}
}

// Format renders a reminder for listing.
func (r Reminder) Format() string {
	return fmt.Sprintf("%s - %02d/%02d: %s", r.Name, r.Day, r.Month, r.Message)
}
