package journey

import (
	"context"
	"fmt"

	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/orders"
)

func handleOrderStatus(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	orderID := slotString(t.Intent, "order_id")
	if orderID == "" {
		orderID = st.OrderID
	}

	found, err := r.tools.OrderGetStatus(ctx, t.input(), orderID, st.CustomerID)
	if err != nil {
		return apology(err), err
	}
	switch len(found) {
	case 0:
		return Text("I couldn't find any orders for you yet. Would you like to browse our catalog?"), nil
	case 1:
		return Text(orderStatusLine(found[0])), nil
	default:
		// Several recent orders: let the customer pick.
		items := make([]gateway.ListItem, 0, len(found))
		for _, o := range found {
			if len(items) == gateway.MaxListItems {
				break
			}
			items = append(items, gateway.ListItem{
				ID:       o.ID,
				Title:    fmt.Sprintf("Order from %s", o.CreatedAt.Format("2 Jan")),
				Subtitle: string(o.Status),
				Price:    fmt.Sprintf("%s %.2f", o.Currency, o.Total),
			})
		}
		return List("You have a few orders with us. Which one do you mean?", items), nil
	}
}

func orderStatusLine(o orders.Order) string {
	switch o.Status {
	case orders.StatusDraft:
		return fmt.Sprintf("Your order (%s %.2f) is saved but not yet paid. Reply \"pay\" when you're ready.", o.Currency, o.Total)
	case orders.StatusPendingPayment:
		return fmt.Sprintf("Your order (%s %.2f) is awaiting payment confirmation.", o.Currency, o.Total)
	case orders.StatusPaid:
		return "Your order is paid and being prepared."
	case orders.StatusFulfilled:
		return "Your order has been fulfilled. Thank you for shopping with us!"
	case orders.StatusCanceled:
		return "That order was canceled. Would you like to place a new one?"
	default:
		return fmt.Sprintf("Your order is currently %s.", o.Status)
	}
}
