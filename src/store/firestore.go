package store

import (
	"context"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore persists call metadata, appointments, and form submissions
// in Firestore collections.
type FirestoreStore struct {
	client          *firestore.Client
	callsCollection string
	apptsCollection string
	formsCollection string
}

// NewFirestoreStore initializes a Firestore-backed store. Credentials come
// from FIREBASE_CREDENTIALS_JSON, FIREBASE_CREDENTIALS_FILE, or application
// default credentials, in that order.
func NewFirestoreStore(ctx context.Context) (*FirestoreStore, error) {
	var app *firebase.App
	var err error

	if credJSON := os.Getenv("FIREBASE_CREDENTIALS_JSON"); credJSON != "" {
		app, err = firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(credJSON)))
	} else if credFile := os.Getenv("FIREBASE_CREDENTIALS_FILE"); credFile != "" {
		app, err = firebase.NewApp(ctx, nil, option.WithCredentialsFile(credFile))
	} else {
		app, err = firebase.NewApp(ctx, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firestore client: %w", err)
	}

	s := &FirestoreStore{
		client:          client,
		callsCollection: envOrDefault("FIRESTORE_CALLS_COLLECTION", "calls"),
		apptsCollection: envOrDefault("FIRESTORE_APPOINTMENTS_COLLECTION", "appointments"),
		formsCollection: envOrDefault("FIRESTORE_FORMS_COLLECTION", "form_submissions"),
	}
	return s, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Get fetches the call's metadata document.
func (s *FirestoreStore) Get(ctx context.Context, callID string) (map[string]interface{}, error) {
	doc, err := s.client.Collection(s.callsCollection).Doc(callID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Data(), nil
}

// Merge writes the patch with Firestore merge semantics, creating the
// document if absent. Nested maps merge field by field.
func (s *FirestoreStore) Merge(ctx context.Context, callID string, patch map[string]interface{}) error {
	_, err := s.client.Collection(s.callsCollection).Doc(callID).Set(ctx, patch, firestore.MergeAll)
	return err
}

// SetStatus records the call's completed/failed status.
func (s *FirestoreStore) SetStatus(ctx context.Context, callID, status string) error {
	return s.Merge(ctx, callID, map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	})
}

// Save persists one appointment.
func (s *FirestoreStore) Save(ctx context.Context, a Appointment) error {
	_, err := s.client.Collection(s.apptsCollection).Doc(a.ID).Set(ctx, map[string]interface{}{
		"call_id":    a.CallID,
		"contact":    a.Contact,
		"phone":      a.Phone,
		"date":       a.Date,
		"slot":       a.Slot,
		"created_at": a.CreatedAt,
	})
	return err
}

// ExistsForCall reports whether this call already booked an appointment.
func (s *FirestoreStore) ExistsForCall(ctx context.Context, callID string) (bool, error) {
	docs, err := s.client.Collection(s.apptsCollection).
		Where("call_id", "==", callID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// ExistsForContactSlot reports whether the contact already holds this slot.
func (s *FirestoreStore) ExistsForContactSlot(ctx context.Context, contact, date, slot string) (bool, error) {
	docs, err := s.client.Collection(s.apptsCollection).
		Where("contact", "==", contact).
		Where("date", "==", date).
		Where("slot", "==", slot).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// CountAtSlot counts bookings already taken at a slot, for the overlap policy.
func (s *FirestoreStore) CountAtSlot(ctx context.Context, date, slot string) (int, error) {
	docs, err := s.client.Collection(s.apptsCollection).
		Where("date", "==", date).
		Where("slot", "==", slot).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// SaveForm persists one form submission.
func (s *FirestoreStore) SaveForm(ctx context.Context, f FormSubmission) error {
	_, err := s.client.Collection(s.formsCollection).Doc(f.ID).Set(ctx, map[string]interface{}{
		"call_id":    f.CallID,
		"contact":    f.Contact,
		"fields":     f.Fields,
		"created_at": f.CreatedAt,
	})
	return err
}

// FormExistsForCall reports whether this call already submitted a form.
func (s *FirestoreStore) FormExistsForCall(ctx context.Context, callID string) (bool, error) {
	docs, err := s.client.Collection(s.formsCollection).
		Where("call_id", "==", callID).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Close releases the Firestore client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

// Forms exposes the form collection as a FormStore. Needed because the
// appointment Save already occupies the method name on FirestoreStore.
func (s *FirestoreStore) Forms() FormStore {
	return firestoreFormStore{s}
}

type firestoreFormStore struct {
	fs *FirestoreStore
}

func (f firestoreFormStore) Save(ctx context.Context, sub FormSubmission) error {
	return f.fs.SaveForm(ctx, sub)
}

func (f firestoreFormStore) ExistsForCall(ctx context.Context, callID string) (bool, error) {
	return f.fs.FormExistsForCall(ctx, callID)
}
