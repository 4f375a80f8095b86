package ingest

import (
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/lang"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/internal/mirror"
	apperrors "github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/context-analyzer/pkg/kafka"
)

const (
	TypeUnit     = "unit"
	TypeDeletion = "deletion"
)

// Message is the JSON form of a replicated write.
type Message struct {
	Type        string `json:"type"`
	Domain      int64  `json:"domain"`
	Source      string `json:"source,omitempty"`
	Target      string `json:"target,omitempty"`
	Sentence    string `json:"sentence,omitempty"`
	Translation string `json:"translation,omitempty"`
}

func NewUnitMessage(domain int64, direction lang.Direction, sentence, translation string) Message {
	return Message{
		Type:        TypeUnit,
		Domain:      domain,
		Source:      direction.Source,
		Target:      direction.Target,
		Sentence:    sentence,
		Translation: translation,
	}
}

// NewDeletionMessage deletes a whole domain when direction is nil.
func NewDeletionMessage(domain int64, direction *lang.Direction) Message {
	m := Message{Type: TypeDeletion, Domain: domain}
	if direction != nil {
		m.Source = direction.Source
		m.Target = direction.Target
	}
	return m
}

// Decode parses value read at position of channel and adds it to b. Errors
// wrap ErrInvalidMessage; the caller still advances the channel past the
// message.
func Decode(b *Batch, channel uint16, position int64, value []byte) error {
	msg, err := kafka.DecodeJSON[Message](value)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidMessage, err)
	}
	if msg.Domain == mirror.ChannelsDomain {
		return fmt.Errorf("%w: domain %d is reserved", apperrors.ErrInvalidMessage, msg.Domain)
	}

	switch msg.Type {
	case TypeUnit:
		direction, err := lang.NewDirection(msg.Source, msg.Target)
		if err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidMessage, err)
		}
		b.AddUnit(TranslationUnit{
			Channel:     channel,
			Position:    position,
			Domain:      msg.Domain,
			Direction:   direction,
			Sentence:    msg.Sentence,
			Translation: msg.Translation,
		})
	case TypeDeletion:
		d := Deletion{Channel: channel, Position: position, Domain: msg.Domain}
		if msg.Source != "" || msg.Target != "" {
			direction, err := lang.NewDirection(msg.Source, msg.Target)
			if err != nil {
				return fmt.Errorf("%w: %w", apperrors.ErrInvalidMessage, err)
			}
			d.Direction = &direction
		}
		b.AddDeletion(d)
	default:
		return fmt.Errorf("%w: unknown type %q", apperrors.ErrInvalidMessage, msg.Type)
	}
	return nil
}
