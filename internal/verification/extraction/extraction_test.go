package extraction_test

import (
	"testing"
	"time"

	"github.com/medflow/rx-verification/internal/verification/extraction"
	"github.com/medflow/rx-verification/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExtractor() *extraction.Extractor {
	return extraction.New(extraction.Options{
		PlatformName:       "MedFlow Pharmacy",
		PlatformDomain:     "medflow.health",
		IndicatorThreshold: 3,
	})
}

func TestExtract_SamplePrescription(t *testing.T) {
	f := newExtractor().Extract(testutil.SamplePrescriptionText, nil)

	assert.Equal(t, "Sarah Johnson", f.DoctorName)
	assert.Equal(t, "John Smith", f.PatientName)
	assert.Equal(t, "MD-123456", f.DoctorLicense)
	assert.Equal(t, "City Health Clinic", f.ClinicName)
	require.NotNil(t, f.PrescriptionDate)
	assert.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), *f.PrescriptionDate)
	assert.True(t, f.SignatureDetected)
	assert.False(t, f.IsPlatformIssued)

	require.Len(t, f.Medications, 1)
	med := f.Medications[0]
	assert.Equal(t, "Amoxicillin", med.Name)
	assert.Equal(t, "500mg", med.Strength)
	assert.Equal(t, "21", med.Quantity)
	assert.Equal(t, "Take one capsule three times daily", med.Directions)
}

func TestExtract_KeyValuesWin(t *testing.T) {
	kv := map[string]string{
		"Patient Name": "Maria Garcia",
		"Doctor":       "Dr. Alan Reyes",
		"Date Issued":  "2025-02-03",
		"License No.":  "md-998877",
	}
	f := newExtractor().Extract(testutil.SamplePrescriptionText, kv)

	assert.Equal(t, "Maria Garcia", f.PatientName)
	assert.Equal(t, "Alan Reyes", f.DoctorName)
	assert.Equal(t, "MD-998877", f.DoctorLicense)
	require.NotNil(t, f.PrescriptionDate)
	assert.Equal(t, time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC), *f.PrescriptionDate)
}

func TestExtractPrescriptionDate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want time.Time
		ok   bool
	}{
		{
			name: "issued label wins over earlier date",
			text: "Printed 01/02/2024\nDate Issued: 2025-01-10",
			want: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "birth date skipped",
			text: "DOB: 1980-04-12\nVisit on 12 March 2025",
			want: time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "date of birth line skipped even with issued date below",
			text: "Date of Birth: 04/12/1980\nIssue date\nJanuary 5, 2025",
			want: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "dotted dates are day first",
			text: "Datum: 03.04.2025",
			want: time.Date(2025, 4, 3, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "slashed dates with day above twelve",
			text: "Date: 25/12/2024",
			want: time.Date(2024, 12, 25, 0, 0, 0, 0, time.UTC),
			ok:   true,
		},
		{
			name: "only birth date",
			text: "Date of Birth: 1980-04-12",
			ok:   false,
		},
		{
			name: "invalid calendar date",
			text: "Date: 2025-02-30",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extraction.ExtractPrescriptionDate(tt.text)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMedicationStrategies(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "structured block via medication label",
			text: "Medication: Ibuprofen\nStrength: 400mg\nQuantity: 30",
			want: []string{"Ibuprofen"},
		},
		{
			name: "inline strength",
			text: "Metformin Tablet Strength: 850mg Qty 60\nLisinopril - Strength: 10mg",
			want: []string{"Metformin", "Lisinopril"},
		},
		{
			name: "dosage form prefix",
			text: "1. Tab. Paracetamol 500mg twice daily\n2. Syrup Cetirizine 5ml at night",
			want: []string{"Paracetamol", "Cetirizine"},
		},
		{
			name: "medication section",
			text: "MEDICATIONS\nAtorvastatin 20mg\nAspirin\n\nNotes: review in 3 months",
			want: []string{"Atorvastatin", "Aspirin"},
		},
		{
			name: "name dosage fallback",
			text: "please dispense omeprazole 20mg and patient 40mg",
			want: []string{"omeprazole"},
		},
		{
			name: "form words never become medications",
			text: "Patient Strength: 10mg\nDoctor 5mg\nLicense 1234",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range extraction.ExtractMedications(tt.text) {
				got = append(got, m.Name)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDosageFormPrefix_Details(t *testing.T) {
	meds := extraction.DosageFormPrefix("Cap. Amoxicillin 250 mg three times daily")
	require.Len(t, meds, 1)
	assert.Equal(t, "capsule", meds[0].Form)
	assert.Equal(t, "250mg", meds[0].Strength)
	assert.Equal(t, "three times daily", meds[0].Directions)
}

func TestStrategiesReturnNilOnNoMatch(t *testing.T) {
	for _, s := range extraction.Strategies {
		assert.Nil(t, s.Extract("nothing to see here"), s.Name)
	}
}

func TestDetectPlatform(t *testing.T) {
	e := newExtractor()

	t.Run("reference plus two indicators", func(t *testing.T) {
		text := "MedFlow Pharmacy\nReference: RX-20250101-0007\nDIGITAL VERIFICATION\nPatient: John Smith"
		d := e.DetectPlatform(text)
		assert.True(t, d.IsPlatformIssued)
		assert.Equal(t, "RX-20250101-0007", d.Reference)
		assert.ElementsMatch(t, []string{
			extraction.IndicatorPlatformName,
			extraction.IndicatorReferenceNumber,
			extraction.IndicatorVerificationText,
		}, d.Indicators)
	})

	t.Run("reference alone is not enough", func(t *testing.T) {
		d := e.DetectPlatform("Ref RX-20250101-0007 from some clinic")
		assert.False(t, d.IsPlatformIssued)
		assert.Equal(t, "RX-20250101-0007", d.Reference)
	})

	t.Run("domain hash and signature", func(t *testing.T) {
		d := e.DetectPlatform("verify at medflow.health\nDocument Hash: ab12\nDigitally signed by Dr. X")
		assert.True(t, d.IsPlatformIssued)
		assert.Empty(t, d.Reference)
	})
}
