// cli is an operator console for order-service: it lists orders through the
// admin API, filters them by status and redelivers paid orders whose
// delivery failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nazeru/pix-sales-go/internal/order/domain"
)

var filters = []string{"", "pending", "paid", "delivered", "expired", "cancelled"}

type model struct {
	api      *adminClient
	filter   int
	orders   []domain.Order
	selected int
	status   string
	busy     bool
}

func initialModel(api *adminClient) model {
	return model{api: api, status: "Loading..."}
}

func (m model) Init() tea.Cmd {
	return listCmd(m.api, filters[m.filter])
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.orders)-1 {
				m.selected++
			}
		case "left", "right":
			if m.busy {
				return m, nil
			}
			step := 1
			if msg.String() == "left" {
				step = len(filters) - 1
			}
			m.filter = (m.filter + step) % len(filters)
			return m.load()
		case "r":
			if m.busy {
				return m, nil
			}
			return m.load()
		case "enter":
			if m.busy || len(m.orders) == 0 {
				return m, nil
			}
			o := m.orders[m.selected]
			if o.Status != domain.OrderStatusPaid {
				m.status = fmt.Sprintf("Order %s is %s, only paid orders can be redelivered", o.ID, o.Status)
				return m, nil
			}
			m.busy = true
			m.status = fmt.Sprintf("Redelivering %s...", o.ID)
			return m, redeliverCmd(m.api, o.ID)
		}
	case ordersLoaded:
		m.busy = false
		if msg.err != nil {
			m.status = fmt.Sprintf("List failed: %v", msg.err)
			return m, nil
		}
		m.orders = msg.orders
		if m.selected >= len(m.orders) {
			m.selected = max(len(m.orders)-1, 0)
		}
		m.status = fmt.Sprintf("%d orders", len(m.orders))
	case redelivered:
		m.busy = false
		m.status = msg.status
		return m, listCmd(m.api, filters[m.filter])
	}
	return m, nil
}

func (m model) load() (tea.Model, tea.Cmd) {
	m.busy = true
	m.status = "Loading..."
	return m, listCmd(m.api, filters[m.filter])
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "pix-sales-go orders")
	fmt.Fprintln(b, "")
	fmt.Fprint(b, "Status filter (use left/right):")
	for i, f := range filters {
		if f == "" {
			f = "all"
		}
		if i == m.filter {
			fmt.Fprintf(b, " [%s]", f)
		} else {
			fmt.Fprintf(b, " %s", f)
		}
	}
	fmt.Fprintln(b, "")
	fmt.Fprintln(b, "")
	for i, o := range m.orders {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s  %-9s buyer=%d %s attempts=%d\n", marker, o.ID, o.Status, o.BuyerID, o.ProductName, o.DeliveryAttempts)
	}
	if len(m.orders) == 0 {
		fmt.Fprintln(b, "   (no orders)")
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	fmt.Fprintln(b, "\nControls: up/down select order, left/right filter, enter to redeliver, r to refresh, q to quit")
	return b.String()
}

type ordersLoaded struct {
	orders []domain.Order
	err    error
}

type redelivered struct {
	status string
}

func listCmd(api *adminClient, status string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orders, err := api.List(ctx, status)
		return ordersLoaded{orders: orders, err: err}
	}
}

func redeliverCmd(api *adminClient, id domain.OrderID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return redelivered{status: redeliverStatus(api.Redeliver(ctx, id))}
	}
}

func redeliverStatus(out outcome, err error) string {
	switch {
	case err != nil:
		return fmt.Sprintf("Redeliver failed: %v", err)
	case out.DeliveryError != "":
		return fmt.Sprintf("Delivery attempt %d failed: %s", out.Order.DeliveryAttempts, out.DeliveryError)
	default:
		return fmt.Sprintf("Order %s is %s", out.Order.ID, out.Order.Status)
	}
}

func main() {
	list := flag.String("list", "", "print orders with this status (all for every order) and exit")
	redeliver := flag.String("redeliver", "", "redeliver this order id and exit")
	flag.Parse()

	api := &adminClient{
		baseURL: getenv("ORDER_BASE_URL", "http://localhost:8080"),
		secret:  getenv("ADMIN_JWT_SECRET", ""),
	}
	if api.secret == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_JWT_SECRET is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	switch {
	case *redeliver != "":
		fmt.Println(redeliverStatus(api.Redeliver(ctx, domain.OrderID(*redeliver))))
		return
	case *list != "":
		status := *list
		if status == "all" {
			status = ""
		}
		orders, err := api.List(ctx, status)
		if err != nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		for _, o := range orders {
			fmt.Printf("%s\t%s\t%d\t%s\t%d\n", o.ID, o.Status, o.BuyerID, o.ProductName, o.DeliveryAttempts)
		}
		return
	}

	p := tea.NewProgram(initialModel(api))
	if _, err := p.Run(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
