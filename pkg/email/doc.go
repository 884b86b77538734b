// Package email sends transactional email.
//
// EmailSender is the single abstraction. NewPostmarkClient sends through
// Postmark; NewLogSender writes messages to a slog.Logger and is meant for
// development and tests.
package email
