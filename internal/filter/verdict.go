package filter

// Reason explains why a message was allowed or rejected. The first
// failing rule in evaluation order determines the reason.
type Reason int

const (
	ReasonAllowed Reason = iota
	ReasonNotAddressedToAlias
	ReasonSelfLoopFromAddress
	ReasonSelfLoopNameMatch
	ReasonSelfLoopSenderEqualsRecipient
	ReasonMultipleReplyMarkers
	ReasonAutoSubmittedHeader
	ReasonPrecedenceHeader
	ReasonExplicitAutoReplyHeader
	ReasonContentAutoReplyPhrase
	ReasonSenderDomainNotWhitelisted
	ReasonSpamKeyword
	ReasonTooOld
	ReasonAlreadyLabeled
	ReasonNonIncomingLabelState
)

var reasonNames = map[Reason]string{
	ReasonAllowed:                       "allowed",
	ReasonNotAddressedToAlias:           "not_addressed_to_alias",
	ReasonSelfLoopFromAddress:           "self_loop_from_address",
	ReasonSelfLoopNameMatch:             "self_loop_name_match",
	ReasonSelfLoopSenderEqualsRecipient: "self_loop_sender_equals_recipient",
	ReasonMultipleReplyMarkers:          "multiple_reply_markers",
	ReasonAutoSubmittedHeader:           "auto_submitted_header",
	ReasonPrecedenceHeader:              "precedence_header",
	ReasonExplicitAutoReplyHeader:       "explicit_autoreply_header",
	ReasonContentAutoReplyPhrase:        "content_autoreply_phrase",
	ReasonSenderDomainNotWhitelisted:    "sender_domain_not_whitelisted",
	ReasonSpamKeyword:                   "spam_keyword",
	ReasonTooOld:                        "too_old",
	ReasonAlreadyLabeled:                "already_labeled",
	ReasonNonIncomingLabelState:         "non_incoming_label_state",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Verdict is the allow/deny decision for one candidate message.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

func allow() Verdict        { return Verdict{Allowed: true, Reason: ReasonAllowed} }
func deny(r Reason) Verdict { return Verdict{Reason: r} }
