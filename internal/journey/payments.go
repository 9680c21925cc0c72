package journey

import (
	"context"
	"fmt"

	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/payments"
)

// handlePayment walks the customer through paying for the working order:
// confirm the amount first, then pick a rail, then initiate.
func handlePayment(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	if !t.Tenant.Persona.PaymentsEnabled {
		return Text("Online payment isn't available here yet. The team will share payment details with you directly."), nil
	}
	if st.OrderID == "" || st.OrderTotal <= 0 {
		return Text("I don't see an order to pay for yet. Would you like to place one first?"), nil
	}

	confirmed, _ := slotBool(t.Intent, "confirmed")
	if !confirmed && st.PaymentStatus != "amount_confirmed" {
		st.PaymentStatus = "awaiting_confirmation"
		return Buttons(
			fmt.Sprintf("Just to confirm: you'd like to pay KES %.2f for your order?", st.OrderTotal),
			[]gateway.Button{
				{ID: "pay_confirm", Label: "Yes, pay"},
				{ID: "pay_cancel", Label: "Not now"},
			}), nil
	}
	st.PaymentStatus = "amount_confirmed"

	method := payments.Method(slotString(t.Intent, "method"))
	available, err := r.tools.PaymentGetMethods(ctx, t.input())
	if err != nil {
		return apology(err), err
	}
	if len(available) == 0 {
		return Text("Payments are temporarily unavailable. Please try again shortly."), nil
	}
	if !methodAvailable(method, available) {
		if len(available) == 1 {
			method = available[0]
		} else {
			buttons := make([]gateway.Button, 0, len(available))
			for _, m := range available {
				buttons = append(buttons, gateway.Button{ID: "method:" + string(m), Label: methodLabel(m)})
			}
			return Buttons("How would you like to pay?", buttons), nil
		}
	}

	var req *payments.PaymentRequest
	switch method {
	case payments.MethodSTKPush:
		req, err = r.tools.PaymentInitiateSTKPush(ctx, t.input(), st.CustomerPhone, st.OrderTotal, "KES", st.OrderID)
	case payments.MethodC2B:
		req, err = r.tools.PaymentGetC2BInstructions(ctx, t.input(), st.OrderTotal, "KES", st.OrderID)
	case payments.MethodPesapal:
		req, err = r.tools.PaymentCreatePesapalCheckout(ctx, t.input(), st.OrderTotal, "KES", st.OrderID)
	default:
		return Text("I didn't recognize that payment method. Let's try again."), nil
	}
	if err != nil {
		return apology(err), err
	}

	st.PaymentReqID = req.ID
	st.PaymentStatus = req.Status

	text := req.Instruction
	if req.CheckoutURL != "" {
		text += "\n" + req.CheckoutURL
	}
	return Text(text), nil
}

func methodAvailable(m payments.Method, available []payments.Method) bool {
	for _, a := range available {
		if a == m {
			return true
		}
	}
	return false
}

func methodLabel(m payments.Method) string {
	switch m {
	case payments.MethodSTKPush:
		return "M-Pesa (prompt)"
	case payments.MethodC2B:
		return "M-Pesa paybill"
	case payments.MethodPesapal:
		return "Card / other"
	default:
		return string(m)
	}
}
