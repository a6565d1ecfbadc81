package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/askdb/askdb/internal/query"
	"github.com/askdb/askdb/internal/querygen"
	"github.com/askdb/askdb/internal/safety"
)

// ErrorKind is a stable label for err, used on spans and metrics.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var genErr *querygen.Error
	var rejected *safety.RejectedError
	var execErr *query.ExecutionError
	switch {
	case errors.As(err, &genErr):
		return "generation_" + string(genErr.Kind)
	case errors.As(err, &rejected):
		return "validation_rejected"
	case errors.As(err, &execErr):
		return "execution_" + string(execErr.Kind)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "internal"
	}
}

// Message is what a user is shown for a failed question.
type Message struct {
	Code      string `json:"code"`
	Text      string `json:"message"`
	Retryable bool   `json:"retryable"`
	Term      string `json:"term,omitempty"`
}

func UserMessage(err error) Message {
	msg := Message{Code: ErrorKind(err)}
	var genErr *querygen.Error
	var rejected *safety.RejectedError
	var execErr *query.ExecutionError
	switch {
	case err == nil:
		return Message{}
	case errors.As(err, &genErr):
		msg.Text = "could not generate a query, please rephrase"
		msg.Retryable = genErr.Kind == querygen.KindTimeout
	case errors.As(err, &rejected):
		msg.Term = rejected.Result.Term
		msg.Text = fmt.Sprintf("query rejected: contains forbidden construct %q", rejected.Result.Term)
	case errors.As(err, &execErr):
		name := displayName(execErr.Backend)
		msg.Retryable = execErr.Retryable()
		switch execErr.Kind {
		case query.ErrTimeout:
			msg.Text = fmt.Sprintf("the %s backend took too long to answer, please try again", name)
		case query.ErrConnectionLost:
			msg.Text = fmt.Sprintf("the %s backend is unavailable right now, please try again", name)
		default:
			msg.Text = fmt.Sprintf("the %s backend could not run the generated query, please rephrase", name)
		}
	default:
		msg.Text = "something went wrong while answering, please try again"
		msg.Retryable = true
	}
	return msg
}

func displayName(backend query.Backend) string {
	switch backend {
	case query.Relational:
		return "PostgreSQL"
	case query.Document:
		return "MongoDB"
	default:
		return string(backend)
	}
}
