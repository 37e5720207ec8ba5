// README: Notification senders. Delivery is best effort; failures are logged
// and never surfaced to the flows that triggered them.
package notify

import (
	"context"
	"fmt"
	"log"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"hitchly/internal/types"
)

// LogNotifier writes notifications to the process log. Used in development
// and whenever push credentials are absent.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID types.ID, kind, message string) {
	log.Printf("notify user=%s kind=%s: %s", userID, kind, message)
}

// FCMNotifier delivers through Firebase Cloud Messaging. Each user is
// subscribed client-side to their own topic.
type FCMNotifier struct {
	client *messaging.Client
}

func NewFCMNotifier(ctx context.Context, projectID, credentialsFile string) (*FCMNotifier, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to init messaging client: %w", err)
	}
	return &FCMNotifier{client: client}, nil
}

func (f *FCMNotifier) Notify(ctx context.Context, userID types.ID, kind, message string) {
	_, err := f.client.Send(ctx, &messaging.Message{
		Topic: "user-" + string(userID),
		Notification: &messaging.Notification{
			Title: kind,
			Body:  message,
		},
		Data: map[string]string{"kind": kind},
	})
	if err != nil {
		log.Printf("fcm send to %s failed: %v", userID, err)
	}
}
