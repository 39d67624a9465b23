package socialauth

import "log/slog"

// SendEmail interface allows applications to provide their own email sending implementation
type SendEmail interface {
	SendWelcomeEmail(to string, provider string) error
}

// ConsoleEmailSender is a development implementation that logs emails instead of sending them
type ConsoleEmailSender struct{}

func (c *ConsoleEmailSender) SendWelcomeEmail(to string, provider string) error {
	slog.Info("=== EMAIL: Welcome ===",
		"to", to,
		"subject", "Your "+provider+" account is now linked",
		"body", "You can now sign in with "+provider+".")
	return nil
}
