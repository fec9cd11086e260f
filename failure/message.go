package failure

import "errors"

// Category groups kinds into the small set shown to end users.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryCancelled  Category = "cancelled"
	CategoryFunds      Category = "funds"
	CategoryState      Category = "state"
	CategoryInput      Category = "input"
	CategoryRecovered  Category = "recovered"
	CategorySupport    Category = "support"
	CategoryUnexpected Category = "unexpected"
)

// Message is the user-facing rendering of an error.
type Message struct {
	Category  Category `json:"category"`
	Title     string   `json:"title"`
	Action    string   `json:"action"`
	Excerpt   string   `json:"excerpt,omitempty"`
	// Reference is the id quoted to support, never truncated.
	Reference string   `json:"reference,omitempty"`
}

var messages = map[Kind]Message{
	KindChainUnavailable: {
		Category: CategoryNetwork,
		Title:    "The network could not be reached.",
		Action:   "Check your connection and try again in a moment.",
	},
	KindTransient: {
		Category: CategoryNetwork,
		Title:    "The network is busy.",
		Action:   "Wait a moment and try again.",
	},
	KindNotFound: {
		Category: CategoryState,
		Title:    "This task could not be found.",
		Action:   "Refresh the page to load the latest tasks.",
	},
	KindUserRejected: {
		Category: CategoryCancelled,
		Title:    "The request was cancelled in your wallet.",
		Action:   "Start again when you are ready to confirm.",
	},
	KindInsufficientFunds: {
		Category: CategoryFunds,
		Title:    "Your balance is too low.",
		Action:   "Top up your wallet to cover the reward and the posting fee.",
	},
	KindInvalidState: {
		Category: CategoryState,
		Title:    "The reward is not in a usable state.",
		Action:   "Create a new reward and try again.",
	},
	KindValidation: {
		Category: CategoryInput,
		Title:    "Some details are missing or invalid.",
		Action:   "Review the form and try again.",
	},
	KindCompensated: {
		Category: CategoryRecovered,
		Title:    "The reward could not be linked, so it was refunded.",
		Action:   "Please create the task again.",
	},
	KindManualRecovery: {
		Category: CategorySupport,
		Title:    "The reward could not be linked or refunded.",
		Action:   "Contact support and quote the reference shown below.",
	},
	KindInternal: {
		Category: CategoryUnexpected,
		Title:    "Something went wrong.",
		Action:   "Try again. If the problem persists, contact support.",
	},
}

// UserMessage classifies err into a jargon-free message. The excerpt is the
// length-capped raw error text, or the error detail for recovery kinds where the
// detail carries the identifiers the user needs.
func UserMessage(err error) Message {
	kind := KindOf(err)
	if kind == "" {
		return Message{}
	}
	msg, ok := messages[kind]
	if !ok {
		msg = messages[KindInternal]
	}
	msg.Excerpt = Excerpt(err)
	if kind == KindCompensated || kind == KindManualRecovery {
		var typed *Error
		if errors.As(err, &typed) {
			if typed.Detail != "" {
				msg.Excerpt = capRunes(typed.Detail)
			}
			msg.Reference = typed.Ref
		}
	}
	return msg
}
