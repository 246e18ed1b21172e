// Package model holds the data types shared by the server, the transport client and the reconciler.
package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TimeLayout renders timestamps the way browsers do with Date.toISOString.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp returns t in UTC formatted with TimeLayout.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Now is Timestamp(time.Now()).
func Now() string {
	return Timestamp(time.Now())
}

type Message struct {
	Role             Role   `json:"role"`
	Content          string `json:"content"`
	Timestamp        string `json:"timestamp"`
	FirstChunkLoaded bool   `json:"firstChunkLoaded,omitempty"`
}

// ChatRequest is the body of every /api/chat endpoint.
type ChatRequest struct {
	Message             string    `json:"message"`
	ConversationHistory []Message `json:"conversationHistory,omitempty"`
	UserID              string    `json:"userId,omitempty"`
}

// TrimmedMessage returns the message with surrounding whitespace removed.
func (r ChatRequest) TrimmedMessage() string {
	return strings.TrimSpace(r.Message)
}

type ChatResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type MaritalStatus string

const (
	MaritalSingle   MaritalStatus = "single"
	MaritalMarried  MaritalStatus = "married"
	MaritalDivorced MaritalStatus = "divorced"
	MaritalWidowed  MaritalStatus = "widowed"
)

type PersonalInfo struct {
	FirstName     string        `json:"firstName"`
	LastName      string        `json:"lastName"`
	DateOfBirth   string        `json:"dateOfBirth"`
	Address       string        `json:"address"`
	Municipality  string        `json:"municipality"`
	MaritalStatus MaritalStatus `json:"maritalStatus"`
}

// Income amounts are yearly CHF values; zero means not declared.
type Income struct {
	Employment     float64 `json:"employment,omitempty"`
	SelfEmployment float64 `json:"selfEmployment,omitempty"`
	Investments    float64 `json:"investments,omitempty"`
	Rental         float64 `json:"rental,omitempty"`
	Other          float64 `json:"other,omitempty"`
}

type Deductions struct {
	ProfessionalExpenses float64 `json:"professionalExpenses,omitempty"`
	HealthcareExpenses   float64 `json:"healthcareExpenses,omitempty"`
	Pillar3a             float64 `json:"pillar3a,omitempty"`
	Childcare            float64 `json:"childcare,omitempty"`
	Education            float64 `json:"education,omitempty"`
	Commuting            float64 `json:"commuting,omitempty"`
	Donations            float64 `json:"donations,omitempty"`
}

type Wealth struct {
	BankAccounts float64 `json:"bankAccounts,omitempty"`
	Securities   float64 `json:"securities,omitempty"`
	RealEstate   float64 `json:"realEstate,omitempty"`
	Other        float64 `json:"other,omitempty"`
}

// TaxData is a Canton Zurich tax profile. It carries no behavior beyond totals.
type TaxData struct {
	PersonalInfo PersonalInfo `json:"personalInfo"`
	Income       Income       `json:"income"`
	Deductions   Deductions   `json:"deductions"`
	Wealth       Wealth       `json:"wealth"`
	TaxYear      int          `json:"taxYear"`
}

func (i Income) Total() float64 {
	return i.Employment + i.SelfEmployment + i.Investments + i.Rental + i.Other
}

func (d Deductions) Total() float64 {
	return d.ProfessionalExpenses + d.HealthcareExpenses + d.Pillar3a + d.Childcare + d.Education + d.Commuting + d.Donations
}

func (w Wealth) Total() float64 {
	return w.BankAccounts + w.Securities + w.RealEstate + w.Other
}

// Scenario describes one fixture profile.
type Scenario struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Income      float64 `json:"income"`
}

// PartialTaxData is what can be recovered from an uploaded document.
type PartialTaxData struct {
	Income     *Income     `json:"income,omitempty"`
	Deductions *Deductions `json:"deductions,omitempty"`
}

type PDFExtraction struct {
	Success       bool            `json:"success"`
	Text          string          `json:"text,omitempty"`
	NumPages      int             `json:"numPages,omitempty"`
	Error         string          `json:"error,omitempty"`
	FileName      string          `json:"fileName"`
	ExtractedData *PartialTaxData `json:"extractedData,omitempty"`
}
