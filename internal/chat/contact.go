package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/and161185/techstore/internal/errs"
)

// ContactAPI is the part of the REST client used to open a conversation.
type ContactAPI interface {
	CheckChat(ctx context.Context, productID, sellerID string) (string, bool, error)
	InitChat(ctx context.Context, productID, sellerID, initialMessage string) (string, error)
}

// Contact returns the conversation about productID with sellerID, creating it
// with initialMessage when none exists. created reports a new conversation.
func Contact(ctx context.Context, c ContactAPI, productID, sellerID, initialMessage string) (chatID string, created bool, err error) {
	if productID == "" || sellerID == "" {
		return "", false, fmt.Errorf("%w: product and seller are required", errs.ErrInvalidInput)
	}
	id, ok, err := c.CheckChat(ctx, productID, sellerID)
	if err != nil {
		return "", false, fmt.Errorf("check chat: %w", err)
	}
	if ok {
		return id, false, nil
	}
	if strings.TrimSpace(initialMessage) == "" {
		return "", false, fmt.Errorf("%w: initial message is required", errs.ErrInvalidInput)
	}
	id, err = c.InitChat(ctx, productID, sellerID, initialMessage)
	if err != nil {
		return "", false, fmt.Errorf("init chat: %w", err)
	}
	return id, true, nil
}
