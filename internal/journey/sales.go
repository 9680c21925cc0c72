package journey

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sokoflow/backend/internal/apperr"
	"github.com/sokoflow/backend/internal/booking"
	"github.com/sokoflow/backend/internal/catalog"
	"github.com/sokoflow/backend/internal/conversation"
	"github.com/sokoflow/backend/internal/gateway"
	"github.com/sokoflow/backend/internal/orders"
)

// deepLinkEstimate is the match count beyond which a vague search is
// better served by the web catalog than by six-item pages.
const deepLinkEstimate = 50

func handleBrowse(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	query := slotString(t.Intent, "query")
	if query == "" {
		query = strings.TrimSpace(t.Text)
	}

	filters := catalog.SearchFilters{Category: slotString(t.Intent, "category")}
	if maxPrice := slotString(t.Intent, "max_price"); maxPrice != "" {
		if v, err := strconv.ParseFloat(maxPrice, 64); err == nil && v > 0 {
			filters.MaxPrice = v
		}
	}

	res, err := r.tools.CatalogSearch(ctx, t.input(), query, filters)
	if err != nil {
		return apology(err), err
	}

	st.Catalog.LastQuery = query
	st.Catalog.TotalEstimate = res.TotalEstimate
	st.Catalog.LastResultIDs = st.Catalog.LastResultIDs[:0]
	for _, item := range res.Items {
		st.Catalog.LastResultIDs = append(st.Catalog.LastResultIDs, item.ID)
	}

	wantsAll, _ := slotBool(t.Intent, "all_items")
	vagueAfterClarify := res.TotalEstimate >= deepLinkEstimate && st.ClarifyLoops >= 1
	if wantsAll || vagueAfterClarify || st.Catalog.Rejections >= 2 {
		return Text(deepLinkMessage(t, query)), nil
	}

	if len(res.Items) == 0 {
		st.ClarifyLoops++
		return Text("I couldn't find anything matching that. Could you describe what you're looking for in a different way?"), nil
	}

	intro := fmt.Sprintf("Here's what I found (%d matches):", res.TotalEstimate)
	if res.TotalEstimate <= len(res.Items) {
		intro = "Here's what I found:"
	}
	return Cards(intro, itemCards(res.Items)), nil
}

func handleProductDetails(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	itemID := slotString(t.Intent, "item_id")
	if itemID == "" {
		// "the second one" style selection against the last shortlist.
		if sel := slotString(t.Intent, "selection"); sel != "" {
			if n, err := strconv.Atoi(sel); err == nil && n >= 1 && n <= len(st.Catalog.LastResultIDs) {
				itemID = st.Catalog.LastResultIDs[n-1]
			}
		}
	}
	if itemID == "" {
		st.ClarifyLoops++
		return Text("Which item would you like to know more about? You can reply with its number from the list."), nil
	}

	item, err := r.tools.CatalogGetItem(ctx, t.input(), itemID)
	if err != nil {
		if apperr.IsCode(err, apperr.CodeResourceNotFound) {
			st.Catalog.Rejections++
		}
		return apology(err), err
	}
	st.Catalog.SelectedIDs = append(st.Catalog.SelectedIDs, item.ID)

	if item.Type == catalog.TypeService {
		return Buttons(itemSummary(item)+"\nWould you like to book a slot?", []gateway.Button{
			{ID: "book:" + item.ID, Label: "Book now"},
			{ID: "browse", Label: "Keep browsing"},
		}), nil
	}
	return Buttons(itemSummary(item), []gateway.Button{
		{ID: "order:" + item.ID, Label: "Order this"},
		{ID: "browse", Label: "Keep browsing"},
	}), nil
}

func handlePlaceOrder(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State

	// A direct "I'll take it" adds the last selected item first.
	if len(st.Cart) == 0 {
		itemID := slotString(t.Intent, "item_id")
		if itemID == "" && len(st.Catalog.SelectedIDs) > 0 {
			itemID = st.Catalog.SelectedIDs[len(st.Catalog.SelectedIDs)-1]
		}
		if itemID == "" {
			st.ClarifyLoops++
			return Text("Which item would you like to order? Reply with its number from the list."), nil
		}
		item, err := r.tools.CatalogGetItem(ctx, t.input(), itemID)
		if err != nil {
			return apology(err), err
		}
		qty := 1
		if q := slotString(t.Intent, "quantity"); q != "" {
			if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 100 {
				qty = n
			}
		}
		st.Cart = append(st.Cart, cartItem(item, qty))
	}

	lines := make([]orders.Line, 0, len(st.Cart))
	currency := "KES"
	for _, ci := range st.Cart {
		lines = append(lines, orders.Line{ItemID: ci.ItemID, Name: ci.Name, Quantity: ci.Quantity, UnitPrice: ci.Price})
	}

	order, err := r.tools.OrderCreate(ctx, t.input(), st.CustomerID, currency, lines)
	if err != nil {
		return apology(err), err
	}
	st.OrderID = order.ID
	st.OrderTotal = order.Total
	st.Cart = nil

	return Buttons(
		fmt.Sprintf("Your order is in! Total: %s %.2f. Would you like to pay now?", order.Currency, order.Total),
		[]gateway.Button{
			{ID: "pay:" + order.ID, Label: "Pay now"},
			{ID: "later", Label: "Pay later"},
		}), nil
}

func handleBookService(ctx context.Context, r *Router, t *Turn) (Action, error) {
	st := t.State
	serviceID := slotString(t.Intent, "service_id")
	if serviceID == "" && len(st.Catalog.SelectedIDs) > 0 {
		serviceID = st.Catalog.SelectedIDs[len(st.Catalog.SelectedIDs)-1]
	}
	if serviceID == "" {
		st.ClarifyLoops++
		return Text("Which service would you like to book?"), nil
	}

	windowID := slotString(t.Intent, "window_id")
	if windowID == "" {
		windows, err := r.tools.BookingGetWindows(ctx, t.input(), serviceID)
		if err != nil {
			return apology(err), err
		}
		if len(windows) == 0 {
			return Text("There are no open slots for that service right now. Would you like me to check anything else?"), nil
		}
		if len(windows) > gateway.MaxListItems {
			windows = windows[:gateway.MaxListItems]
		}
		items := make([]gateway.ListItem, 0, len(windows))
		for _, w := range windows {
			items = append(items, gateway.ListItem{ID: w.ID, Title: windowLabel(w)})
		}
		return List("Here are the available slots. Reply with a number to book:", items), nil
	}

	startsAt := time.Now()
	if ts := slotString(t.Intent, "starts_at"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			startsAt = parsed
		}
	}
	appt, err := r.tools.BookingCreate(ctx, t.input(), &booking.Appointment{
		ServiceID: serviceID, CustomerID: st.CustomerID, WindowID: windowID, StartsAt: startsAt,
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeCapacityExceeded) {
			return Text("That slot just filled up. Would you like to pick another time?"), nil
		}
		return apology(err), err
	}
	return Text(fmt.Sprintf("Booked! Your appointment is confirmed for %s. We'll send you a reminder.",
		appt.StartsAt.Format("Mon 2 Jan, 15:04"))), nil
}

func itemCards(items []catalog.Item) []gateway.ListItem {
	out := make([]gateway.ListItem, 0, len(items))
	for _, item := range items {
		out = append(out, gateway.ListItem{
			ID:       item.ID,
			Title:    item.Name,
			Subtitle: item.Description,
			Price:    fmt.Sprintf("%s %.2f", item.Currency, item.Price),
			ImageURL: item.ImageURL,
		})
	}
	return out
}

func itemSummary(item *catalog.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - %s %.2f", item.Name, item.Currency, item.Price)
	if item.Description != "" {
		b.WriteString("\n" + item.Description)
	}
	for _, v := range item.Variants {
		fmt.Fprintf(&b, "\n• %s: %s %.2f", v.Name, item.Currency, v.Price)
	}
	return b.String()
}

func cartItem(item *catalog.Item, qty int) conversation.CartItem {
	return conversation.CartItem{ItemID: item.ID, Name: item.Name, Quantity: qty, Price: item.Price}
}

func windowLabel(w booking.Window) string {
	day := "by appointment"
	if w.Date != nil {
		day = w.Date.Format("Mon 2 Jan")
	} else if w.Weekday != nil {
		day = time.Weekday(*w.Weekday).String() + "s"
	}
	return fmt.Sprintf("%s %s–%s", day, w.StartTime, w.EndTime)
}

func deepLinkMessage(t *Turn, query string) string {
	base := t.Tenant.Persona.CatalogLinkBase
	link := fmt.Sprintf("%s?tenant=%s&q=%s", base, url.QueryEscape(t.State.TenantID), url.QueryEscape(query))
	return "We have quite a lot matching that! Browse the full catalog here: " + link
}
