package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nazeru/pix-sales-go/pkg/idempotency"
)

const DefaultMercadoPagoURL = "https://api.mercadopago.com"

// MercadoPago creates PIX payments through the /v1/payments API.
type MercadoPago struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewMercadoPago(baseURL, token string, timeout time.Duration) *MercadoPago {
	if baseURL == "" {
		baseURL = DefaultMercadoPagoURL
	}
	return &MercadoPago{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

type mpIdentification struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type mpPayer struct {
	Email          string           `json:"email"`
	FirstName      string           `json:"first_name"`
	LastName       string           `json:"last_name"`
	Identification mpIdentification `json:"identification"`
}

type mpPaymentRequest struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Description       string      `json:"description"`
	ExternalReference string      `json:"external_reference,omitempty"`
	DateOfExpiration  string      `json:"date_of_expiration,omitempty"`
	Payer             mpPayer     `json:"payer"`
}

type mpPayment struct {
	ID                 int64  `json:"id"`
	Status             string `json:"status"`
	StatusDetail       string `json:"status_detail"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type mpError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (g *MercadoPago) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	body := mpPaymentRequest{
		// The API takes currency units, we keep minor units.
		TransactionAmount: json.Number(decimal.New(req.Amount, -2).StringFixed(2)),
		PaymentMethodID:   "pix",
		Description:       req.Description,
		ExternalReference: req.Reference,
		Payer: mpPayer{
			Email:          req.Payer.Email,
			FirstName:      req.Payer.FirstName,
			LastName:       req.Payer.LastName,
			Identification: mpIdentification{Type: req.Payer.IDType, Number: req.Payer.IDNumber},
		},
	}
	if !req.ExpiresAt.IsZero() {
		body.DateOfExpiration = req.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	var p mpPayment
	if err := g.do(ctx, http.MethodPost, "/v1/payments", body, req.IdempotencyToken, &p); err != nil {
		return Charge{}, err
	}
	td := p.PointOfInteraction.TransactionData
	if p.ID == 0 || td.QRCode == "" {
		return Charge{}, fmt.Errorf("%w: payment %d has no pix qr code", ErrRejected, p.ID)
	}
	return Charge{
		ID:           strconv.FormatInt(p.ID, 10),
		QRCode:       td.QRCode,
		QRCodeBase64: td.QRCodeBase64,
		PaymentURL:   td.TicketURL,
	}, nil
}

func (g *MercadoPago) GetChargeStatus(ctx context.Context, chargeID string) (Status, error) {
	var p mpPayment
	if err := g.do(ctx, http.MethodGet, "/v1/payments/"+chargeID, nil, "", &p); err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		// A status read never settles the order; anything odd is "retry later".
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return mapMPStatus(p.Status), nil
}

func mapMPStatus(s string) Status {
	switch s {
	case "approved":
		return StatusApproved
	case "rejected":
		return StatusRejected
	case "cancelled", "refunded", "charged_back":
		return StatusCancelled
	default: // pending, in_process, in_mediation, authorized
		return StatusPending
	}
}

func (g *MercadoPago) do(ctx context.Context, method, path string, in any, token string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	idempotency.Set(req, token)

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var e mpError
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(e.Message+" "+e.Error))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}
