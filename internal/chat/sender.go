package chat

import "github.com/and161185/techstore/internal/model"

// Display fallbacks.
const (
	DefaultAvatar = "/default-avatar.png"
	UnknownSender = "User"
	OwnSender     = "You"
)

// Sender is how a message author is displayed.
type Sender struct {
	Name   string
	Avatar string
	Own    bool
}

// ResolveSender maps a message author onto the local user or one of the two
// participants. It never fails; unknown authors get a placeholder.
func ResolveSender(msg model.ChatMessage, info *model.ChatInfo, self *model.User) Sender {
	id := msg.Sender.ID
	if self != nil && id != "" && id == self.ID {
		return Sender{Name: OwnSender, Avatar: orDefault(self.Image, DefaultAvatar), Own: true}
	}
	if id == "" {
		return Sender{Name: UnknownSender, Avatar: DefaultAvatar}
	}
	if info != nil {
		for _, p := range []model.Participant{info.Participants.Seller, info.Participants.Buyer} {
			if p.ID != "" && p.ID == id {
				return Sender{Name: orDefault(p.Name, UnknownSender), Avatar: orDefault(p.Picture(), DefaultAvatar)}
			}
		}
	}
	if msg.Sender.Embedded && msg.Sender.Name != "" {
		pic := msg.Sender.Image
		if pic == "" {
			pic = msg.Sender.Avatar
		}
		return Sender{Name: msg.Sender.Name, Avatar: orDefault(pic, DefaultAvatar)}
	}
	return Sender{Name: UnknownSender, Avatar: DefaultAvatar}
}

// Other returns the participant on the other side from selfID.
func Other(p model.Participants, selfID string) model.Participant {
	if selfID != "" && selfID == p.Seller.ID {
		return p.Buyer
	}
	return p.Seller
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
