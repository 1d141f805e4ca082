package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptuario/clinic-scheduling/internal/config"
	redisclient "github.com/promptuario/clinic-scheduling/internal/redis"
	"github.com/promptuario/clinic-scheduling/internal/scheduling"
)

const testSecret = "router-test-secret"

// Friday 10:00; the next working day is Monday 2025-03-10.
var apiNow = time.Date(2025, 3, 7, 10, 0, 0, 0, time.UTC)

type apiFixture struct {
	handler http.Handler
	repo    *scheduling.MemoryRepository
	svc     *scheduling.Service
	doctor  scheduling.Doctor
	patient scheduling.Patient
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := scheduling.NewMemoryRepository()
	doctor := scheduling.Doctor{ID: uuid.New(), Name: "Dr. Helena Souza", Accepting: true}
	patient := scheduling.Patient{ID: uuid.New(), Name: "Carlos Lima"}
	repo.AddDoctor(doctor)
	repo.AddPatient(patient)

	cfg := config.Config{
		CancellationNotice: 24 * time.Hour,
		SlotMinutes:        30,
		HorizonDays:        30,
		WorkingHours:       "08:00-12:00,13:00-17:00",
		Location:           time.UTC,
		ReminderLead:       24 * time.Hour,
	}

	svc, err := scheduling.NewService(repo, redisclient.NopLocker{}, nil, nil, nil, cfg)
	require.NoError(t, err)
	svc.SetNowFunc(func() time.Time { return apiNow })

	handler := NewRouter(RouterConfig{
		Service:   svc,
		JWTSecret: testSecret,
		Env:       "test",
		Version:   "test",
	})

	return &apiFixture{handler: handler, repo: repo, svc: svc, doctor: doctor, patient: patient}
}

func mintToken(t *testing.T, role string, profileID uuid.UUID) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":  uuid.New().String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	if profileID != uuid.Nil {
		claims["profile_id"] = profileID.String()
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) bookBody() map[string]string {
	return map[string]string{
		"doctor_id":  f.doctor.ID.String(),
		"patient_id": f.patient.ID.String(),
		"date":       "2025-03-10",
		"time":       "09:00",
		"reason":     "Persistent headaches",
	}
}

func (f *apiFixture) mustBookHTTP(t *testing.T, token string) AppointmentResponse {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/appointments", token, f.bookBody())
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRequiresAuthentication(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/appointments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/appointments", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsTokenSignedWithWrongSecret(t *testing.T) {
	f := newAPIFixture(t)

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  uuid.New().String(),
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("some-other-secret"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/appointments", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsUnknownRole(t *testing.T) {
	f := newAPIFixture(t)

	tok := mintToken(t, "superuser", uuid.Nil)
	rec := f.do(t, http.MethodGet, "/appointments", tok, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBookAppointment(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)

	resp := f.mustBookHTTP(t, tok)
	assert.Equal(t, "scheduled", resp.Status)
	assert.Equal(t, "2025-03-10", resp.Date)
	assert.Equal(t, "09:00", resp.Time)
	assert.Equal(t, "first_visit", resp.AppointmentType)
}

func TestBookConflictReturns409(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)
	f.mustBookHTTP(t, tok)

	rec := f.do(t, http.MethodPost, "/appointments", tok, f.bookBody())
	assert.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "slot_taken", errResp.Error)
}

func TestBookOutOfHoursReturns422(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)

	body := f.bookBody()
	body["time"] = "07:30"
	rec := f.do(t, http.MethodPost, "/appointments", tok, body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "out_of_hours", errResp.Error)
}

func TestBookForOtherPatientReturns403(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", uuid.New())

	rec := f.do(t, http.MethodPost, "/appointments", tok, f.bookBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBookInvalidPayload(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)

	body := f.bookBody()
	body["doctor_id"] = "nope"
	rec := f.do(t, http.MethodPost, "/appointments", tok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = f.bookBody()
	body["date"] = "10/03/2025"
	rec = f.do(t, http.MethodPost, "/appointments", tok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelAppointment(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, tok)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appt.ID), tok,
		map[string]string{"reason": "Feeling better"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Status)
	assert.Equal(t, "Feeling better", resp.CancellationReason)
}

func TestCancelInsideNoticeWindowReturns422(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, tok)

	// Two hours before the Monday 09:00 start.
	f.svc.SetNowFunc(func() time.Time {
		return time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	})

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/cancel", appt.ID), tok,
		map[string]string{"reason": "Can't make it"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "policy_violation", errResp.Error)
}

func TestRescheduleAppointment(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	attendantTok := mintToken(t, "attendant", uuid.Nil)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/reschedule", appt.ID), attendantTok,
		map[string]string{"date": "2025-03-10", "time": "10:00"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "10:00", resp.Time)
	assert.Equal(t, "scheduled", resp.Status)
	assert.NotEqual(t, appt.ID, resp.ID)

	// The original is now cancelled and points at its replacement.
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/appointments/%s", appt.ID), attendantTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var original AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &original))
	assert.Equal(t, "cancelled", original.Status)
	require.NotNil(t, original.RescheduledTo)
	assert.Equal(t, resp.ID, *original.RescheduledTo)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	attendantTok := mintToken(t, "attendant", uuid.Nil)
	doctorTok := mintToken(t, "doctor", f.doctor.ID)

	steps := []struct {
		path   string
		token  string
		status string
	}{
		{"confirm", attendantTok, "confirmed"},
		{"check-in", attendantTok, "checked_in"},
		{"begin", doctorTok, "in_progress"},
		{"complete", doctorTok, "completed"},
	}

	for _, step := range steps {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/%s", appt.ID, step.path), step.token, nil)
		require.Equal(t, http.StatusOK, rec.Code, "step %s body: %s", step.path, rec.Body.String())

		var resp AppointmentResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, step.status, resp.Status, "step %s", step.path)
	}
}

func TestTransitionForbiddenRole(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/check-in", appt.ID), patientTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidTransitionReturns409(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	doctorTok := mintToken(t, "doctor", f.doctor.ID)
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/complete", appt.ID), doctorTok, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetAppointmentVisibilityOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	strangerTok := mintToken(t, "patient", uuid.New())
	rec := f.do(t, http.MethodGet, fmt.Sprintf("/appointments/%s", appt.ID), strangerTok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/appointments/%s", uuid.New()), patientTok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSlots(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/doctors/%s/slots?days=3", f.doctor.ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SlotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, f.doctor.ID, resp.DoctorID)
	require.NotEmpty(t, resp.Slots)
	assert.LessOrEqual(t, len(resp.Slots), defaultSlotCap)

	// Book the first slot; it disappears from the listing.
	first := resp.Slots[0]
	body := f.bookBody()
	body["date"] = first.Date
	body["time"] = first.Time
	rec = f.do(t, http.MethodPost, "/appointments", tok, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/doctors/%s/slots?days=3", f.doctor.ID), tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var after SlotsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	for _, s := range after.Slots {
		assert.False(t, s.Date == first.Date && s.Time == first.Time, "booked slot still listed")
	}
}

func TestListAppointmentsScopedToPatient(t *testing.T) {
	f := newAPIFixture(t)
	tok := mintToken(t, "patient", f.patient.ID)
	f.mustBookHTTP(t, tok)

	other := scheduling.Patient{ID: uuid.New(), Name: "Outro"}
	f.repo.AddPatient(other)
	otherTok := mintToken(t, "patient", other.ID)
	body := f.bookBody()
	body["patient_id"] = other.ID.String()
	body["time"] = "10:00"
	rec := f.do(t, http.MethodPost, "/appointments", otherTok, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/appointments", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var mine []AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mine))
	require.Len(t, mine, 1)
	assert.Equal(t, f.patient.ID, mine[0].PatientID)
}

func TestReturnRequestOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	attendantTok := mintToken(t, "attendant", uuid.Nil)
	doctorTok := mintToken(t, "doctor", f.doctor.ID)
	for _, step := range []struct{ path, token string }{
		{"check-in", attendantTok}, {"begin", doctorTok}, {"complete", doctorTok},
	} {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/%s", appt.ID, step.path), step.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/return-request", appt.ID), doctorTok,
		map[string]string{"notes": "Follow-up in two weeks"})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var rr ReturnRequestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))
	assert.Equal(t, "pending", rr.Status)

	// Booking against the request fulfills it.
	body := f.bookBody()
	body["time"] = "10:00"
	body["return_request_id"] = rr.ID.String()
	rec = f.do(t, http.MethodPost, "/appointments", patientTok, body)
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())

	var booked AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &booked))
	assert.Equal(t, "return", booked.AppointmentType)
}

func TestCancelReturnRequestOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	patientTok := mintToken(t, "patient", f.patient.ID)
	appt := f.mustBookHTTP(t, patientTok)

	attendantTok := mintToken(t, "attendant", uuid.Nil)
	doctorTok := mintToken(t, "doctor", f.doctor.ID)
	for _, step := range []struct{ path, token string }{
		{"check-in", attendantTok}, {"begin", doctorTok}, {"complete", doctorTok},
	} {
		rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/%s", appt.ID, step.path), step.token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/appointments/%s/return-request", appt.ID), doctorTok,
		map[string]string{})
	require.Equal(t, http.StatusCreated, rec.Code)

	var rr ReturnRequestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rr))

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/return-requests/%s/cancel", rr.ID), patientTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())

	var cancelled ReturnRequestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)
}
