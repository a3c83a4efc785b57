package model

import "time"

// AlertStatus is the delivery state of an Alert.
type AlertStatus string

const (
	StatusPending   AlertStatus = "pending"
	StatusSent      AlertStatus = "sent"
	StatusFailed    AlertStatus = "failed"
	StatusDelivered AlertStatus = "delivered"
)

// DeliveryMethod names the channel an Alert went out on.
type DeliveryMethod string

const (
	MethodAPI  DeliveryMethod = "api"
	MethodSMS  DeliveryMethod = "sms"
	MethodMesh DeliveryMethod = "mesh"
)

// Location is a geolocation fix.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is a single SOS message plus its delivery metadata.
type Alert struct {
	ID         string         `json:"id"`
	ContactIDs []string       `json:"contact_ids"`
	Message    string         `json:"message"`
	Location   *Location      `json:"location,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Status     AlertStatus    `json:"status"`
	Method     DeliveryMethod `json:"method"`
	RetryCount int            `json:"retry_count"`
}

// Relationship tags a contact.
type Relationship string

const (
	RelationFamily    Relationship = "family"
	RelationFriend    Relationship = "friend"
	RelationEmergency Relationship = "emergency"
	RelationMedical   Relationship = "medical"
	RelationOther     Relationship = "other"
)

// Contact is a pre-registered emergency contact. Only primary contacts receive SMS fallback.
type Contact struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	PhoneNumber  string       `json:"phone_number"`
	Email        string       `json:"email,omitempty"`
	Relationship Relationship `json:"relationship"`
	IsPrimary    bool         `json:"is_primary"`
	ConsentAt    time.Time    `json:"consent_at"`
}

// MedicalInfo is optional profile data shared with responders.
type MedicalInfo struct {
	BloodType   string   `json:"blood_type,omitempty"`
	Allergies   []string `json:"allergies,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

// Preferences holds user-facing SOS behaviour switches.
type Preferences struct {
	EnableAutoSOS    bool `json:"enable_auto_sos"`
	EnableShakeToSOS bool `json:"enable_shake_to_sos"`
	// SOSTimeout is the confirmation countdown in seconds.
	SOSTimeout int `json:"sos_timeout"`
}

// Profile describes the device owner.
type Profile struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	PhoneNumber string       `json:"phone_number"`
	Email       string       `json:"email,omitempty"`
	Medical     *MedicalInfo `json:"medical,omitempty"`
	Location    *Location    `json:"location,omitempty"`
	Preferences Preferences  `json:"preferences"`
}

// VaultDoc is an encrypted attachment kept in the secure partition.
type VaultDoc struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	EncryptedData string     `json:"encrypted_data"`
	MimeType      string     `json:"mime_type"`
	Size          int64      `json:"size"`
	UploadedAt    time.Time  `json:"uploaded_at"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
}

// PrimaryContacts returns the contacts flagged primary, preserving order.
func PrimaryContacts(contacts []Contact) []Contact {
	out := make([]Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.IsPrimary {
			out = append(out, c)
		}
	}
	return out
}
