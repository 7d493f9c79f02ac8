package callevent

import "fmt"

// Participant is a party on a conversation.
type Participant struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName,omitempty"`
	Originator  bool   `json:"originator,omitempty"`
	LanguageID  string `json:"languageId,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// Conversation describes an incoming call offered to the bot.
type Conversation struct {
	ID           string        `json:"id"`
	Subject      string        `json:"subject,omitempty"`
	Participants []Participant `json:"participants"`
	Modalities   []string      `json:"presentedModalityTypes,omitempty"`
	ThreadID     string        `json:"threadId,omitempty"`
}

// Validate checks the conversation payload.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: conversation has no id", ErrMalformed)
	}
	if len(c.Participants) == 0 {
		return fmt.Errorf("%w: conversation %s has no participants", ErrMalformed, c.ID)
	}
	for i, p := range c.Participants {
		if p.Identity == "" {
			return fmt.Errorf("%w: conversation %s participant %d has no identity", ErrMalformed, c.ID, i)
		}
	}
	return nil
}

// Originator returns the participant that placed the call, or nil.
func (c *Conversation) Originator() *Participant {
	for i := range c.Participants {
		if c.Participants[i].Originator {
			return &c.Participants[i]
		}
	}
	return nil
}
