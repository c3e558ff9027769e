package service

import "errors"

var (
	// ErrForbidden is returned when a conversation belongs to another user.
	ErrForbidden = errors.New("conversation belongs to another user")

	// ErrInvalidArgument is returned for requests the service cannot act on.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNothingToRead is returned when text is empty once markdown is removed.
	ErrNothingToRead = errors.New("Nothing to read aloud.")

	// ErrNoAudio is returned when the speech model answered without audio.
	ErrNoAudio = errors.New("TTS generation failed. Audio data missing from response.")

	// ErrNoText is returned when nothing readable could be extracted from a PDF.
	ErrNoText = errors.New("Could not extract text from PDF. The document may be empty or protected.")
)
