package journey

import (
	"context"
	"fmt"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/gateway"
)

func handleOffers(ctx context.Context, r *Router, t *Turn) (Action, error) {
	offers, err := r.tools.OffersGetApplicable(ctx, t.input())
	if err != nil {
		return apology(err), err
	}
	if len(offers) == 0 {
		return Text("There are no offers running right now, but check back soon!"), nil
	}
	if len(offers) > gateway.MaxListItems {
		offers = offers[:gateway.MaxListItems]
	}
	items := make([]gateway.ListItem, 0, len(offers))
	for _, o := range offers {
		sub := o.Description
		if o.CouponCode != "" {
			sub = fmt.Sprintf("%s (code %s)", o.Description, o.CouponCode)
		}
		items = append(items, gateway.ListItem{ID: o.ID, Title: o.Title, Subtitle: sub})
	}
	return List("Here's what we have on offer:", items), nil
}

func handleApplyCoupon(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	code := slotString(t.Intent, "coupon_code")
	if code == "" {
		st.ClarifyLoops++
		return Text("Which coupon code would you like to use?"), nil
	}
	if st.OrderID == "" {
		return Text("Let's get an order going first, then I'll apply the coupon for you."), nil
	}

	order, err := r.tools.OrderApplyCoupon(ctx, t.input(), st.OrderID, code)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeInvalidInput) || apperr.IsCode(err, apperr.CodeResourceNotFound) {
			return Text("That coupon doesn't seem to be valid. Double-check the code and try again?"), nil
		}
		return apology(err), err
	}
	st.OrderTotal = order.Total
	return Text(fmt.Sprintf("Done! Coupon applied. You save %s %.2f. New total: %s %.2f.",
		order.Currency, order.Discount, order.Currency, order.Total)), nil
}
