package memory

import (
	"fmt"
	"io"
	"time"

	"repaircrm/ticket-service/internal/models"
	statuspkg "repaircrm/ticket-service/internal/status"

	"gopkg.in/yaml.v3"
)

// Seed is a YAML fixture for running the service without a database.
type Seed struct {
	Receipts []struct {
		ID              int64   `yaml:"id"`
		Code            string  `yaml:"code"`
		CustomerName    string  `yaml:"customer_name"`
		CustomerPhone   string  `yaml:"customer_phone"`
		Product         string  `yaml:"product"`
		Model           string  `yaml:"model"`
		EstimatedAmount float64 `yaml:"estimated_amount"`
		Status          string  `yaml:"status"`
		CompanyName     string  `yaml:"company_name"`
		CompanyPhone    string  `yaml:"company_phone"`
	} `yaml:"receipts"`
	ServiceTickets []struct {
		ID            int64  `yaml:"id"`
		Code          string `yaml:"code"`
		CustomerName  string `yaml:"customer_name"`
		CustomerPhone string `yaml:"customer_phone"`
		Address       string `yaml:"address"`
		Product       string `yaml:"product"`
		Issue         string `yaml:"issue"`
		Status        string `yaml:"status"`
		EngineerID    *int64 `yaml:"engineer_id"`
		EngineerName  string `yaml:"engineer_name"`
		Visits        []struct {
			EngineerID int64     `yaml:"engineer_id"`
			Engineer   string    `yaml:"engineer"`
			VisitedAt  time.Time `yaml:"visited_at"`
			Outcome    string    `yaml:"outcome"`
			Notes      string    `yaml:"notes"`
		} `yaml:"visits"`
	} `yaml:"service_tickets"`
}

// LoadSeed adds the tickets described by a YAML seed document. Statuses
// default to Pending.
func (s *Store) LoadSeed(r io.Reader) (int, error) {
	var seed Seed
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode seed: %w", err)
	}

	now := s.now().UTC()
	loaded := 0
	for _, r := range seed.Receipts {
		status, err := seedStatus(models.KindReceipt, r.Status)
		if err != nil {
			return loaded, fmt.Errorf("receipt %s: %w", r.Code, err)
		}
		receipt := models.ReceiptTicket{
			ID:              r.ID,
			TrackingCode:    r.Code,
			CustomerName:    r.CustomerName,
			CustomerPhone:   r.CustomerPhone,
			Product:         r.Product,
			Model:           r.Model,
			EstimatedAmount: r.EstimatedAmount,
			Status:          status,
			CompanyPurchase: r.CompanyName != "",
			CompanyName:     r.CompanyName,
			CompanyPhone:    r.CompanyPhone,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.AddReceipt(receipt); err != nil {
			return loaded, err
		}
		loaded++
	}
	for _, t := range seed.ServiceTickets {
		status, err := seedStatus(models.KindService, t.Status)
		if err != nil {
			return loaded, fmt.Errorf("service ticket %s: %w", t.Code, err)
		}
		ticket := models.ServiceTicket{
			ID:            t.ID,
			TrackingCode:  t.Code,
			CustomerName:  t.CustomerName,
			CustomerPhone: t.CustomerPhone,
			Address:       t.Address,
			Product:       t.Product,
			Issue:         t.Issue,
			Status:        status,
			EngineerID:    t.EngineerID,
			EngineerName:  t.EngineerName,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.AddServiceTicket(ticket); err != nil {
			return loaded, err
		}
		for i, v := range t.Visits {
			s.AddVisit(models.ServiceVisit{
				ID:         int64(i + 1),
				TicketID:   t.ID,
				EngineerID: v.EngineerID,
				Engineer:   v.Engineer,
				VisitedAt:  v.VisitedAt,
				Outcome:    v.Outcome,
				Notes:      v.Notes,
			})
		}
		loaded++
	}
	return loaded, nil
}

func seedStatus(kind models.Kind, raw string) (models.Status, error) {
	if raw == "" {
		return models.StatusPending, nil
	}
	parsed, ok := statuspkg.ParseStatus(kind, raw)
	if !ok {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return parsed, nil
}
