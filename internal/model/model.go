// Package model defines marketplace entities shared by the cart, chat and api layers.
package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the part of a catalog record the cart needs. Stock is the
// availability snapshot taken when the product is added.
type Product struct {
	ID       string          `json:"_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Brand    string          `json:"brand,omitempty"`
	Stock    int             `json:"stock"`
	ImageURL string          `json:"imageUrl"`
	Size     string          `json:"size,omitempty"`
}

// CatalogProduct is a product as served by GET /products/{id}.
type CatalogProduct struct {
	ID             string            `json:"_id"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Price          decimal.Decimal   `json:"price"`
	Stock          int               `json:"stock"`
	Category       string            `json:"category"`
	Brand          string            `json:"brand"`
	Image          string            `json:"image"`
	Specifications map[string]string `json:"specifications,omitempty"`
	Seller         Participant       `json:"seller"`
	SellerType     string            `json:"sellerType"`
	CurrencyType   string            `json:"currencyType"`
	Condition      string            `json:"condition"`
}

// CartCandidate converts a catalog record into the cart's add-to-cart input.
func (p CatalogProduct) CartCandidate() Product {
	return Product{
		ID:       p.ID,
		Name:     p.Name,
		Price:    p.Price,
		Brand:    p.Brand,
		Stock:    p.Stock,
		ImageURL: p.Image,
	}
}

// CartLine is one product the user intends to buy.
// Invariant: 1 <= Quantity <= Stock.
type CartLine struct {
	Product
	Quantity int `json:"quantity"`
}

// Subtotal returns Price x Quantity.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// User is the authenticated account as returned by /user/me.
type User struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	Image       string `json:"image,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// Participant is a buyer or seller inside a conversation.
type Participant struct {
	ID     string `json:"_id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Image  string `json:"image,omitempty"`
}

// Picture returns the image or avatar, whichever is set.
func (p Participant) Picture() string {
	if p.Image != "" {
		return p.Image
	}
	return p.Avatar
}

// ChatProduct is the product a conversation is about.
type ChatProduct struct {
	ID    string           `json:"_id"`
	Name  string           `json:"name"`
	Image string           `json:"image,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
}

// Participants holds both sides of a conversation.
type Participants struct {
	Buyer  Participant `json:"buyer"`
	Seller Participant `json:"seller"`
}

// ChatInfo is conversation metadata loaded alongside its history.
type ChatInfo struct {
	Product      ChatProduct  `json:"product"`
	Participants Participants `json:"participants"`
}

// LastMessage is the preview shown in the conversation list.
type LastMessage struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChatSummary is one row of GET /chat.
type ChatSummary struct {
	ID           string       `json:"_id"`
	Participants Participants `json:"participants"`
	Product      ChatProduct  `json:"product"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount  int          `json:"unreadCount"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// SenderRef is a message author: either a bare id or an embedded participant.
type SenderRef struct {
	ID     string
	Name   string
	Image  string
	Avatar string
	// Embedded reports whether the server sent the object form.
	Embedded bool
}

// UnmarshalJSON accepts "id" and {"_id": ..., "name": ...}.
func (s *SenderRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = SenderRef{}
		return nil
	}
	if b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*s = SenderRef{ID: id}
		return nil
	}
	var p Participant
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*s = SenderRef{ID: p.ID, Name: p.Name, Image: p.Image, Avatar: p.Avatar, Embedded: true}
	return nil
}

// MarshalJSON writes the same shape that was read.
func (s SenderRef) MarshalJSON() ([]byte, error) {
	if !s.Embedded {
		return json.Marshal(s.ID)
	}
	return json.Marshal(Participant{ID: s.ID, Name: s.Name, Image: s.Image, Avatar: s.Avatar})
}

// ChatMessage is a unit of communication in one conversation.
type ChatMessage struct {
	ID        string    `json:"_id"`
	ChatID    string    `json:"chat"`
	Sender    SenderRef `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	// Provisional marks a locally created message not yet confirmed by the server.
	Provisional bool `json:"isTemp,omitempty"`
	Read        bool `json:"read,omitempty"`
	// ClientID is the correlation id chosen at send time and echoed by the server.
	ClientID string `json:"clientId,omitempty"`
}

// ConnectionState tracks the real-time channel for one identity.
type ConnectionState struct {
	Connected   bool
	Initialized bool
}
