package models

import "time"

type Kind string

const (
	KindReceipt Kind = "receipt"
	KindService Kind = "service"
)

const (
	ReceiptCodePrefix = "TD"
	ServiceCodePrefix = "TE"
)

type Status string

const (
	StatusPending        Status = "Pending"
	StatusInProcess      Status = "In Process"
	StatusProductOrdered Status = "Product Ordered"
	StatusReadyToDeliver Status = "Ready to Deliver"
	StatusDelivered      Status = "Delivered"
	StatusNotRepaired    Status = "Not Repaired - Return As It Is"
	StatusAssigned       Status = "Assigned"
	StatusInProgress     Status = "In Progress"
	StatusCompleted      Status = "Completed"
	StatusCancelled      Status = "Cancelled"
)

type TicketRef struct {
	Kind Kind  `json:"kind"`
	ID   int64 `json:"id"`
}

// Contact is a person who can receive messages about a ticket.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Ticket is the capability shared by receipts and service tickets: a
// tracking code, a status, and the contacts that can be reached about it.
type Ticket interface {
	Ref() TicketRef
	Code() string
	CurrentStatus() Status
	Primary() Contact
	Secondary() (Contact, bool)
}

type ReceiptTicket struct {
	ID              int64      `json:"id"`
	TrackingCode    string     `json:"tracking_code"`
	CustomerID      int64      `json:"customer_id"`
	CustomerName    string     `json:"customer_name"`
	CustomerPhone   string     `json:"customer_phone"`
	Product         string     `json:"product"`
	Model           string     `json:"model,omitempty"`
	EstimatedAmount float64    `json:"estimated_amount"`
	Status          Status     `json:"status"`
	CompanyPurchase bool       `json:"company_purchase"`
	CompanyName     string     `json:"company_name,omitempty"`
	CompanyPhone    string     `json:"company_phone,omitempty"`
	DeliveryNote    string     `json:"delivery_note,omitempty"`
	DeliveredTo     string     `json:"delivered_to,omitempty"`
	DeliveredAt     *time.Time `json:"delivered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (r *ReceiptTicket) Ref() TicketRef        { return TicketRef{Kind: KindReceipt, ID: r.ID} }
func (r *ReceiptTicket) Code() string          { return r.TrackingCode }
func (r *ReceiptTicket) CurrentStatus() Status { return r.Status }

func (r *ReceiptTicket) Primary() Contact {
	return Contact{Name: r.CustomerName, Phone: r.CustomerPhone}
}

// Secondary is the purchasing company, present only for company purchases
// with a phone on file.
func (r *ReceiptTicket) Secondary() (Contact, bool) {
	if !r.CompanyPurchase || r.CompanyPhone == "" {
		return Contact{}, false
	}
	return Contact{Name: r.CompanyName, Phone: r.CompanyPhone}, true
}

type ServiceTicket struct {
	ID            int64     `json:"id"`
	TrackingCode  string    `json:"tracking_code"`
	CustomerID    int64     `json:"customer_id"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
	Address       string    `json:"address"`
	Product       string    `json:"product"`
	Issue         string    `json:"issue"`
	Status        Status    `json:"status"`
	EngineerID    *int64    `json:"engineer_id,omitempty"`
	EngineerName  string    `json:"engineer_name,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *ServiceTicket) Ref() TicketRef        { return TicketRef{Kind: KindService, ID: s.ID} }
func (s *ServiceTicket) Code() string          { return s.TrackingCode }
func (s *ServiceTicket) CurrentStatus() Status { return s.Status }

func (s *ServiceTicket) Primary() Contact {
	return Contact{Name: s.CustomerName, Phone: s.CustomerPhone}
}

func (s *ServiceTicket) Secondary() (Contact, bool) {
	return Contact{}, false
}

// ServiceVisit is one engineer visit recorded against a service ticket.
type ServiceVisit struct {
	ID         int64     `json:"id"`
	TicketID   int64     `json:"ticket_id"`
	EngineerID int64     `json:"engineer_id"`
	Engineer   string    `json:"engineer,omitempty"`
	VisitedAt  time.Time `json:"visited_at"`
	Outcome    string    `json:"outcome,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

// MaskPhone keeps the last four digits of a phone number.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := make([]byte, len(phone))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(phone)-4:], phone[len(phone)-4:])
	return string(masked)
}
