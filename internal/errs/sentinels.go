// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across storage/api/cart/chat layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates missing or rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTokenExpired indicates the stored bearer token is past its exp claim.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidInput indicates a malformed request built on the client side.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStockExceeded indicates an add would push a line above its stock ceiling.
	ErrStockExceeded = errors.New("stock exceeded")

	// ErrOutOfStock indicates a product with no available units.
	ErrOutOfStock = errors.New("out of stock")

	// ErrInvalidChatID indicates a chat id that is not a 24-digit hex identity.
	ErrInvalidChatID = errors.New("invalid chat id")

	// ErrHistoryLoad indicates the initial conversation fetch failed.
	ErrHistoryLoad = errors.New("history load failed")

	// ErrSendRejected indicates a send that was dropped before reaching the channel
	// (empty text, no identity, no chat id or view not mounted).
	ErrSendRejected = errors.New("send rejected")

	// ErrSendFailed indicates the server refused or never acknowledged a send.
	ErrSendFailed = errors.New("send failed")

	// ErrNotConnected indicates the real-time channel is down.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed indicates use of a component after Close.
	ErrClosed = errors.New("closed")
)
