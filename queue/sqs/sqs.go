// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqs adapts Amazon SQS to queue.Client.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/absmach/unack/queue"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

var (
	_ queue.Client = (*Client)(nil)
	_ queue.Sender = (*Client)(nil)
)

// API is the subset of the SQS service client used here.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS client configuration.
type Config struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string
	// WaitTime enables long polling when positive. SQS caps it at 20s.
	WaitTime time.Duration
	// VisibilityTimeout overrides the queue default when positive.
	VisibilityTimeout time.Duration
}

// Client implements queue.Client on top of the SQS API.
type Client struct {
	api        API
	waitTime   int32
	visibility int32
}

// New loads the default AWS configuration and creates an SQS client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewWithAPI(api, cfg), nil
}

// NewWithAPI wraps an existing SQS API implementation.
func NewWithAPI(api API, cfg Config) *Client {
	return &Client{
		api:        api,
		waitTime:   int32(cfg.WaitTime / time.Second),
		visibility: int32(cfg.VisibilityTimeout / time.Second),
	}
}

// ReceiveMessages long-polls the queue for up to maxMessages messages.
func (c *Client) ReceiveMessages(ctx context.Context, queueURL string, maxMessages int) ([]*queue.Message, error) {
	if err := queue.ValidateReceive(queueURL, maxMessages); err != nil {
		return nil, err
	}

	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     c.waitTime,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameMessageGroupId,
			types.MessageSystemAttributeNameSequenceNumber,
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{"All"},
	}
	if c.visibility > 0 {
		in.VisibilityTimeout = c.visibility
	}

	out, err := c.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queueURL, err)
	}

	msgs := make([]*queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessage(queueURL, m))
	}
	return msgs, nil
}

func toMessage(queueURL string, m types.Message) *queue.Message {
	msg := &queue.Message{
		ID:            aws.ToString(m.MessageId),
		QueueURL:      queueURL,
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          []byte(aws.ToString(m.Body)),
	}

	if len(m.MessageAttributes) > 0 {
		msg.Attributes = make(map[string]string, len(m.MessageAttributes))
		for k, v := range m.MessageAttributes {
			msg.Attributes[k] = aws.ToString(v.StringValue)
		}
	}

	attrs := m.Attributes
	msg.GroupID = attrs[string(types.MessageSystemAttributeNameMessageGroupId)]
	msg.SequenceNumber = attrs[string(types.MessageSystemAttributeNameSequenceNumber)]
	if n, err := strconv.Atoi(attrs[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(attrs[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ms)
	}

	return msg
}

// DeleteMessage deletes the delivery identified by receiptHandle.
func (c *Client) DeleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", queue.ErrDeleteFailed, err)
	}
	return nil
}

// ChangeVisibility sets the remaining visibility timeout of a delivery.
func (c *Client) ChangeVisibility(ctx context.Context, queueURL, receiptHandle string, timeout time.Duration) error {
	if timeout < 0 {
		return queue.ErrInvalidVisibilityTime
	}

	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(timeout / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to change visibility: %w", err)
	}
	return nil
}

// SendMessage publishes a message. FIFO messages use the body hash for
// deduplication, so the queue must have content based deduplication enabled.
func (c *Client) SendMessage(ctx context.Context, queueURL string, out queue.Outgoing) (string, error) {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(out.Body)),
	}
	if out.GroupID != "" {
		in.MessageGroupId = aws.String(out.GroupID)
	}
	if len(out.Attributes) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(out.Attributes))
		for k, v := range out.Attributes {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	res, err := c.api.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("failed to send to %s: %w", queueURL, err)
	}
	return aws.ToString(res.MessageId), nil
}

// Close is a no-op; the SQS client holds no resources.
func (c *Client) Close() error {
	return nil
}
