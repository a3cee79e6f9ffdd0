package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/socket-chat/internal/event"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	errTextTooLong  = fmt.Errorf("text exceeds %d characters or %d bytes", MaxTextChars, MaxMessageBytes)
	errTextEncoding = errors.New("text contains invalid UTF-8")
)

// textTag is the validation tag for user-written text.
const textTag = "chattext"

func init() {
	if err := event.Validator().RegisterValidation(textTag, validText); err != nil {
		panic(err)
	}
}

func validText(fl validator.FieldLevel) bool {
	return ValidateText(fl.Field().String()) == nil
}

// ValidateText checks that user-written text is valid UTF-8 and within the
// size limits. Emptiness is checked by the min tag.
func ValidateText(text string) error {
	if len(text) > MaxMessageBytes {
		return errTextTooLong
	}
	if !utf8.ValidString(text) {
		return errTextEncoding
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return errTextTooLong
	}
	return nil
}
