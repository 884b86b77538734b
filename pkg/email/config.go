package email

// Config holds email service configuration. Postmark tokens may be empty in
// development, in which case the log sender is used.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@quantdrill.dev"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@quantdrill.dev"`
}

// Enabled reports whether Postmark credentials are present.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}
