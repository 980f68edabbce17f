package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
)

type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrDisplayer delivers notifications to shoutrrr service URLs such as
// ntfy://ntfy.sh/swaccha-updates.
type ShoutrrrDisplayer struct {
	sender sender
}

// NewShoutrrrDisplayer builds a sender for urls.
func NewShoutrrrDisplayer(urls ...string) (*ShoutrrrDisplayer, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no notification urls")
	}
	s, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("creating notification sender: %w", err)
	}
	return &ShoutrrrDisplayer{sender: s}, nil
}

// Display sends the body with the title as a parameter. The click url is
// appended to the message since not every service has a link field.
func (d *ShoutrrrDisplayer) Display(_ context.Context, note Notification) error {
	msg := note.Body
	if note.Data.URL != "" && note.Data.URL != DefaultURL {
		msg += "\n" + note.Data.URL
	}
	params := types.Params{"title": note.Title}
	return errors.Join(d.sender.Send(msg, &params)...)
}
