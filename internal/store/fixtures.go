package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"orderdesk/internal/models"
)

// Seeder is implemented by both store backends.
type Seeder interface {
	SaveOrderType(ctx context.Context, t models.OrderType) error
	SaveClient(ctx context.Context, c models.Client) error
	SaveOrder(ctx context.Context, o models.Order) error
	SaveCashRegister(ctx context.Context, r models.CashRegister) error
	SaveMessageTemplate(ctx context.Context, t models.MessageTemplate) error
	SaveDocumentTemplate(ctx context.Context, t models.DocumentTemplate) error
}

// Fixtures is the on-disk shape of reference data loaded for development runs.
type Fixtures struct {
	OrderTypes []struct {
		ID              string   `yaml:"id"`
		Name            string   `yaml:"name"`
		AllowedStatuses []string `yaml:"allowedStatuses"`
	} `yaml:"orderTypes"`
	Clients []struct {
		ID    string `yaml:"id"`
		Name  string `yaml:"name"`
		Phone string `yaml:"phone"`
		Email string `yaml:"email"`
	} `yaml:"clients"`
	CashRegisters []struct {
		ID        string `yaml:"id"`
		Name      string `yaml:"name"`
		IsDefault bool   `yaml:"default"`
	} `yaml:"cashRegisters"`
	MessageTemplates []struct {
		ID      string `yaml:"id"`
		Code    string `yaml:"code"`
		Channel string `yaml:"channel"`
		Subject string `yaml:"subject"`
		Body    string `yaml:"body"`
	} `yaml:"messageTemplates"`
	DocumentTemplates []struct {
		ID       string `yaml:"id"`
		Code     string `yaml:"code"`
		Name     string `yaml:"name"`
		Content  string `yaml:"content"`
		MimeType string `yaml:"mimeType"`
	} `yaml:"documentTemplates"`
	Orders []struct {
		ID         string  `yaml:"id"`
		Number     string  `yaml:"number"`
		ClientID   string  `yaml:"clientId"`
		TypeID     string  `yaml:"typeId"`
		Status     string  `yaml:"status"`
		GrandTotal float64 `yaml:"grandTotal"`
		Items      []struct {
			ItemID string  `yaml:"itemId"`
			Name   string  `yaml:"name"`
			Qty    float64 `yaml:"qty"`
			Price  float64 `yaml:"price"`
		} `yaml:"items"`
	} `yaml:"orders"`
}

// LoadFixturesFile parses a fixtures file and applies it to dst.
func LoadFixturesFile(ctx context.Context, dst Seeder, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures %s: %w", path, err)
	}
	return LoadFixtures(ctx, dst, raw)
}

// LoadFixtures parses YAML fixtures and upserts every record into dst.
func LoadFixtures(ctx context.Context, dst Seeder, raw []byte) error {
	var fx Fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixtures: %w", err)
	}
	for _, t := range fx.OrderTypes {
		if err := dst.SaveOrderType(ctx, models.OrderType{ID: t.ID, Name: t.Name, AllowedStatuses: t.AllowedStatuses}); err != nil {
			return fmt.Errorf("save order type %s: %w", t.ID, err)
		}
	}
	for _, c := range fx.Clients {
		if err := dst.SaveClient(ctx, models.Client{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email}); err != nil {
			return fmt.Errorf("save client %s: %w", c.ID, err)
		}
	}
	for _, r := range fx.CashRegisters {
		if err := dst.SaveCashRegister(ctx, models.CashRegister{ID: r.ID, Name: r.Name, IsDefault: r.IsDefault}); err != nil {
			return fmt.Errorf("save cash register %s: %w", r.ID, err)
		}
	}
	for _, t := range fx.MessageTemplates {
		mt := models.MessageTemplate{ID: t.ID, Code: t.Code, Channel: t.Channel, Subject: t.Subject, Body: t.Body}
		if err := dst.SaveMessageTemplate(ctx, mt); err != nil {
			return fmt.Errorf("save message template %s: %w", t.ID, err)
		}
	}
	for _, t := range fx.DocumentTemplates {
		mime := t.MimeType
		if mime == "" {
			mime = "text/html"
		}
		dt := models.DocumentTemplate{ID: t.ID, Code: t.Code, Name: t.Name, Content: t.Content, MimeType: mime}
		if err := dst.SaveDocumentTemplate(ctx, dt); err != nil {
			return fmt.Errorf("save document template %s: %w", t.ID, err)
		}
	}
	for _, o := range fx.Orders {
		order := models.Order{ID: o.ID, Number: o.Number, ClientID: o.ClientID, TypeID: o.TypeID, Status: o.Status}
		var sum float64
		for _, it := range o.Items {
			line := models.LineItem{ItemID: it.ItemID, Name: it.Name, Qty: it.Qty, Price: it.Price, Total: it.Qty * it.Price}
			sum += line.Total
			order.Items = append(order.Items, line)
		}
		order.Totals.GrandTotal = o.GrandTotal
		if order.Totals.GrandTotal == 0 {
			order.Totals.GrandTotal = sum
		}
		if err := dst.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("save order %s: %w", o.ID, err)
		}
	}
	return nil
}
