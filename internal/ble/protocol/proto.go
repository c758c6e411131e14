// Package protocol implements the line-oriented command protocol spoken by
// HM-10 door controllers over the FFE1 UART characteristic.
//
// Every notification from the controller is one complete message; the
// firmware never splits a command across notifications. Outbound messages
// are terminated by a newline and may be written in several chunks.
package protocol

import "strings"

// Outbound command words and prefixes.
const (
	CmdRegister = "REGISTER"
	PrefixUser  = "USER:"
	PrefixIV    = "IV:"
	PrefixAuth  = "AUTH:"
)

// Terminator ends every outbound message.
const Terminator = "\n"

// Kind classifies an inbound controller message.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadyForData
	KindComplete
	KindOK
	KindRequestIV
	KindIVUpdated
	KindApprove
	KindRefusal
)

var kindNames = map[Kind]string{
	KindUnknown:      "UNKNOWN",
	KindReadyForData: "READY_FOR_DATA",
	KindComplete:     "COMPLETE",
	KindOK:           "OK",
	KindRequestIV:    "REQUEST_IV",
	KindIVUpdated:    "IV_UPDATED",
	KindApprove:      "APPROVE",
	KindRefusal:      "REFUSAL",
}

var kindsByWord = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k != KindUnknown {
			m[name] = k
		}
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Command is a parsed inbound message. Raw holds the trimmed text as
// received, which is what callers log for unknown commands.
type Command struct {
	Kind Kind
	Raw  string
}

// Parse classifies one inbound message. Matching is case-insensitive and
// ignores surrounding whitespace.
func Parse(text string) Command {
	raw := strings.TrimSpace(text)
	if k, ok := kindsByWord[strings.ToUpper(raw)]; ok {
		return Command{Kind: k, Raw: raw}
	}
	return Command{Kind: KindUnknown, Raw: raw}
}

// UserMessage builds the pairing payload carrying an encrypted card ID.
func UserMessage(ciphertext string) string { return PrefixUser + ciphertext }

// IVMessage builds the message announcing a fresh IV.
func IVMessage(iv string) string { return PrefixIV + iv }

// AuthMessage builds the authentication payload carrying an encrypted card ID.
func AuthMessage(ciphertext string) string { return PrefixAuth + ciphertext }
