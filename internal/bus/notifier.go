package bus

import (
	"context"
	"fmt"

	"github.com/tendant/simple-ocr/pkg/schema"
)

// JSONPublisher is the publishing half of Client.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// JobNotifier announces finished pipeline runs. The done payload goes to
// subject; every lifecycle event is also published on subject+".lifecycle".
type JobNotifier struct {
	pub     JSONPublisher
	subject string
}

func NewJobNotifier(pub JSONPublisher, subject string) *JobNotifier {
	return &JobNotifier{pub: pub, subject: subject}
}

func (n *JobNotifier) Subject() string { return n.subject }

func (n *JobNotifier) Notify(ctx context.Context, done schema.JobDone) error {
	for _, ev := range done.Lifecycle {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.pub.PublishJSON(n.subject+".lifecycle", ev); err != nil {
			return fmt.Errorf("publish lifecycle event %s: %w", ev.Stage, err)
		}
	}
	if err := n.pub.PublishJSON(n.subject, done); err != nil {
		return fmt.Errorf("publish job done: %w", err)
	}
	return nil
}

// ReprocessRequest asks a server to rerun the pipeline for a stored job.
type ReprocessRequest struct {
	ID string `json:"id"`
}
