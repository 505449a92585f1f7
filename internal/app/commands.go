package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fxalert/internal/eventbus"
	"fxalert/internal/prefs"
	kit "fxalert/internal/transport"
	logx "fxalert/pkg/logx"
)

// UserJoined is the payload of eventbus.TopicUserJoined.
type UserJoined struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// reconcileNotifier is the digest reconciler's wake-up hook.
type reconcileNotifier interface {
	Notify()
}

// commands implements the bot's chat commands.
type commands struct {
	store prefs.Store
	rec   reconcileNotifier
	bus   eventbus.Bus
	log   logx.Logger
}

// start registers a first-contact user with default preferences. A returning
// user keeps their settings.
func (c *commands) start(ctx context.Context, cmd kit.Command) (string, error) {
	if cmd.FromID == 0 {
		return "", nil
	}
	created, err := c.store.EnsureUser(ctx, prefs.Defaults(cmd.FromID))
	if err != nil {
		return "", fmt.Errorf("register user %d: %w", cmd.FromID, err)
	}
	if created {
		c.log.Info("user registered", logx.Int64("user_id", cmd.FromID), logx.String("username", cmd.FromUsername))
		if c.rec != nil {
			c.rec.Notify()
		}
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type: eventbus.TopicUserJoined,
				Time: time.Now(),
				Data: UserJoined{UserID: cmd.FromID, Username: cmd.FromUsername},
			})
		}
	}
	p, err := c.store.GetPreference(ctx, cmd.FromID)
	if err != nil {
		return "", fmt.Errorf("load preferences %d: %w", cmd.FromID, err)
	}
	return welcomeText(p, created), nil
}

func (c *commands) settings(ctx context.Context, cmd kit.Command) (string, error) {
	p, err := c.store.GetPreference(ctx, cmd.FromID)
	if err != nil {
		return "You are not registered yet. Send /start first.", nil
	}
	return settingsText(p), nil
}

func welcomeText(p prefs.Preference, created bool) string {
	var b strings.Builder
	if created {
		b.WriteString("👋 <b>Welcome!</b> You will be notified before economic news.\n\n")
	} else {
		b.WriteString("👋 <b>Welcome back!</b> Your settings are unchanged.\n\n")
	}
	b.WriteString(settingsText(p))
	return b.String()
}

func settingsText(p prefs.Preference) string {
	onOff := func(v bool) string {
		if v {
			return "on"
		}
		return "off"
	}
	var b strings.Builder
	b.WriteString("⚙️ <b>Your settings</b>\n")
	fmt.Fprintf(&b, "Alerts: %s, %d minutes before, impact: %s\n", onOff(p.NotifyEnabled), p.LeadMinutes, strings.Join(p.NotifyImpacts, ", "))
	fmt.Fprintf(&b, "Daily digest: %s at %02d:%02d (%s), impact: %s\n", onOff(p.DigestEnabled), p.DigestHour, p.DigestMinute, p.Timezone, strings.Join(p.DigestImpacts, ", "))
	if len(p.DigestCurrencies) > 0 {
		fmt.Fprintf(&b, "Currencies: %s\n", strings.Join(p.DigestCurrencies, ", "))
	}
	fmt.Fprintf(&b, "Charts: %s", onOff(p.ChartsEnabled))
	return b.String()
}
