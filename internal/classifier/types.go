// Package classifier wraps the LLM behind three single-purpose
// classifiers with strict JSON contracts. Classifier output never
// executes; it only selects journeys and supplies parameters that the
// tool layer validates again.
package classifier

// Journey is a routable intent family.
type Journey string

const (
	JourneySales      Journey = "sales"
	JourneySupport    Journey = "support"
	JourneyOrders     Journey = "orders"
	JourneyOffers     Journey = "offers"
	JourneyPrefs      Journey = "prefs"
	JourneyGovernance Journey = "governance"
	JourneyPayments   Journey = "payments"
)

// Intents the classifier may emit. Anything else is rejected and
// defaults to IntentUnknown.
const (
	IntentBrowseProducts    = "BROWSE_PRODUCTS"
	IntentProductDetails    = "PRODUCT_DETAILS"
	IntentPlaceOrder        = "PLACE_ORDER"
	IntentOrderStatus       = "ORDER_STATUS"
	IntentBookService       = "BOOK_SERVICE"
	IntentMakePayment       = "MAKE_PAYMENT"
	IntentAskQuestion       = "ASK_QUESTION"
	IntentRequestOffer      = "REQUEST_OFFER"
	IntentApplyCoupon       = "APPLY_COUPON"
	IntentUpdatePreferences = "UPDATE_PREFERENCES"
	IntentOptOut            = "OPT_OUT"
	IntentRequestHuman      = "REQUEST_HUMAN"
	IntentComplaint         = "COMPLAINT"
	IntentGreeting          = "GREETING"
	IntentOther             = "OTHER"
	IntentUnknown           = "UNKNOWN"
)

var knownIntents = map[string]struct{}{
	IntentBrowseProducts: {}, IntentProductDetails: {}, IntentPlaceOrder: {},
	IntentOrderStatus: {}, IntentBookService: {}, IntentMakePayment: {},
	IntentAskQuestion: {}, IntentRequestOffer: {}, IntentApplyCoupon: {},
	IntentUpdatePreferences: {}, IntentOptOut: {}, IntentRequestHuman: {},
	IntentComplaint: {}, IntentGreeting: {}, IntentOther: {},
}

var knownJourneys = map[Journey]struct{}{
	JourneySales: {}, JourneySupport: {}, JourneyOrders: {}, JourneyOffers: {},
	JourneyPrefs: {}, JourneyGovernance: {}, JourneyPayments: {},
}

// IntentResult is the validated output of the intent classifier.
type IntentResult struct {
	Intent           string         `json:"intent"`
	Confidence       float64        `json:"confidence"`
	Notes            string         `json:"notes,omitempty"`
	SuggestedJourney Journey        `json:"suggested_journey"`
	Slots            map[string]any `json:"slots,omitempty"`
}

// UnknownIntent is the safe default on validation rejection.
func UnknownIntent() IntentResult {
	return IntentResult{Intent: IntentUnknown, Confidence: 0.0, SuggestedJourney: JourneyGovernance}
}

// LanguageResult is the validated output of the language policy classifier.
type LanguageResult struct {
	ResponseLanguage        string  `json:"response_language"`
	Confidence              float64 `json:"confidence"`
	ShouldAskLanguageQuestion bool  `json:"should_ask_language_question"`
}

var knownLanguages = map[string]struct{}{
	"en": {}, "sw": {}, "sheng": {}, "mixed": {},
}

// GovernorClass is the conversation governor's verdict.
type GovernorClass string

const (
	GovernorBusiness GovernorClass = "business"
	GovernorCasual   GovernorClass = "casual"
	GovernorSpam     GovernorClass = "spam"
	GovernorAbuse    GovernorClass = "abuse"
)

// GovernorAction is the recommended handling.
type GovernorAction string

const (
	ActionProceed  GovernorAction = "proceed"
	ActionRedirect GovernorAction = "redirect"
	ActionLimit    GovernorAction = "limit"
	ActionStop     GovernorAction = "stop"
	ActionHandoff  GovernorAction = "handoff"
)

var knownGovernorClasses = map[GovernorClass]struct{}{
	GovernorBusiness: {}, GovernorCasual: {}, GovernorSpam: {}, GovernorAbuse: {},
}

var knownGovernorActions = map[GovernorAction]struct{}{
	ActionProceed: {}, ActionRedirect: {}, ActionLimit: {}, ActionStop: {}, ActionHandoff: {},
}

// GovernorResult is the validated output of the governor classifier.
type GovernorResult struct {
	Classification    GovernorClass  `json:"classification"`
	Confidence        float64        `json:"confidence"`
	RecommendedAction GovernorAction `json:"recommended_action"`
}

// DefaultGovernor is the safe default on validation rejection: treat the
// turn as business and proceed rather than dropping a real customer.
func DefaultGovernor() GovernorResult {
	return GovernorResult{Classification: GovernorBusiness, Confidence: 0.0, RecommendedAction: ActionProceed}
}
