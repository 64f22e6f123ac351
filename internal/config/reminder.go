package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ReminderPolicy controls how often payment reminders are sent for an invoice.
type ReminderPolicy struct {
	Enabled         bool          `mapstructure:"enabled"`
	BeforeDueLead   time.Duration `mapstructure:"beforeDueLead"`
	BeforeDueRepeat time.Duration `mapstructure:"beforeDueRepeat"`
	OverdueRepeat   time.Duration `mapstructure:"overdueRepeat"`
	MaxReminders    int           `mapstructure:"maxReminders"`
}

func DefaultReminderPolicy() ReminderPolicy {
	return ReminderPolicy{
		Enabled:         true,
		BeforeDueLead:   72 * time.Hour,
		BeforeDueRepeat: 7 * 24 * time.Hour,
		OverdueRepeat:   24 * time.Hour,
		MaxReminders:    10,
	}
}

type ReminderConfigHolder struct {
	current atomic.Value // holds ReminderPolicy
}

// NewStaticReminderConfigHolder returns a holder that never reloads.
func NewStaticReminderConfigHolder(policy ReminderPolicy) *ReminderConfigHolder {
	holder := &ReminderConfigHolder{}
	holder.current.Store(policy)
	return holder
}

func NewReminderConfigHolder(log *zap.Logger) (*ReminderConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.reminders")

	v := viper.New()
	v.SetConfigName("reminders")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/clientdesk/config")
	v.AddConfigPath("/etc/clientdesk")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLIENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReminderPolicy()
	v.SetDefault("reminders.enabled", defaults.Enabled)
	v.SetDefault("reminders.beforeDueLead", defaults.BeforeDueLead)
	v.SetDefault("reminders.beforeDueRepeat", defaults.BeforeDueRepeat)
	v.SetDefault("reminders.overdueRepeat", defaults.OverdueRepeat)
	v.SetDefault("reminders.maxReminders", defaults.MaxReminders)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy ReminderPolicy
	if err := v.UnmarshalKey("reminders", &policy); err != nil {
		return nil, err
	}
	if err := validateReminderPolicy(policy); err != nil {
		return nil, err
	}

	holder := NewStaticReminderConfigHolder(policy)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReminderPolicy
		if err := v.UnmarshalKey("reminders", &updated); err != nil {
			log.Warn("reminder policy reload failed", zap.Error(err))
			return
		}
		if err := validateReminderPolicy(updated); err != nil {
			log.Warn("invalid reminder policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reminder policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *ReminderConfigHolder) Get() ReminderPolicy {
	if h == nil {
		return DefaultReminderPolicy()
	}
	policy, ok := h.current.Load().(ReminderPolicy)
	if !ok {
		return DefaultReminderPolicy()
	}
	return policy
}

func validateReminderPolicy(p ReminderPolicy) error {
	if !p.Enabled {
		return nil
	}
	if p.BeforeDueRepeat <= 0 {
		return errors.New("reminders.beforeDueRepeat must be positive")
	}
	if p.OverdueRepeat <= 0 {
		return errors.New("reminders.overdueRepeat must be positive")
	}
	if p.BeforeDueLead < 0 {
		return errors.New("reminders.beforeDueLead cannot be negative")
	}
	if p.MaxReminders < 0 {
		return errors.New("reminders.maxReminders cannot be negative")
	}
	return nil
}
