package domain

import "strings"

// Intent selects the resolution strategy for a query. The zero value is
// IntentUnclassified, which only appears when reading legacy or corrupt rows.
type Intent int

const (
	IntentUnclassified Intent = iota
	IntentProductInquiry
	IntentLiveInformation
	IntentGeneralQnA
)

// Intents lists the classifiable intents in code order.
var Intents = []Intent{IntentProductInquiry, IntentLiveInformation, IntentGeneralQnA}

// Code returns the single-letter wire code used at the API boundary.
func (i Intent) Code() string {
	switch i {
	case IntentProductInquiry:
		return "A"
	case IntentLiveInformation:
		return "B"
	case IntentGeneralQnA:
		return "C"
	default:
		return ""
	}
}

// Description is the human-readable label returned to callers.
func (i Intent) Description() string {
	switch i {
	case IntentProductInquiry:
		return "产品咨询-RAG检索"
	case IntentLiveInformation:
		return "实时信息-网络搜索"
	case IntentGeneralQnA:
		return "常规问答-模型回复"
	default:
		return "未知意图"
	}
}

func (i Intent) String() string {
	switch i {
	case IntentProductInquiry:
		return "product_inquiry"
	case IntentLiveInformation:
		return "live_information"
	case IntentGeneralQnA:
		return "general_qna"
	default:
		return "unclassified"
	}
}

// ParseIntentCode maps a wire code ("A", " b ", "C") back to an Intent.
func ParseIntentCode(code string) (Intent, bool) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "A":
		return IntentProductInquiry, true
	case "B":
		return IntentLiveInformation, true
	case "C":
		return IntentGeneralQnA, true
	default:
		return IntentUnclassified, false
	}
}
