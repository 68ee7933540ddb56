// internal/domain/intake.go
package domain

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DefaultPlanWeeks is assumed when an intake's plan length cannot be read.
const DefaultPlanWeeks = 16

// Unit systems
const (
	UnitMetric   = "metric"
	UnitImperial = "imperial"
)

// Training intensity preferences
const (
	IntensityHeartRate = "hr"
	IntensityRPE       = "rpe"
)

// DayPreference marks which kinds of session a runner would like on a given day.
type DayPreference struct {
	EasyRun bool `bson:"easyRun" json:"easyRun"`
	Session bool `bson:"session" json:"session"`
	LongRun bool `bson:"longRun" json:"longRun"`
}

// Intake is a runner profile submitted through the intake form. It is the
// parent of every chunk generated for one plan.
type Intake struct {
	ID                primitive.ObjectID       `bson:"_id,omitempty" json:"id"`
	UserID            string                   `bson:"user_id" json:"user_id"` // Subject of the auth provider's token
	Age               int                      `bson:"age,omitempty" json:"age,omitempty"`
	Weight            float64                  `bson:"weight,omitempty" json:"weight,omitempty"`
	Height            float64                  `bson:"height,omitempty" json:"height,omitempty"`
	TrainingFor       string                   `bson:"training_for" json:"training_for"`
	PlanLength        string                   `bson:"plan_length" json:"plan_length"` // Free text, e.g. "16 Weeks"
	TrainingHistory   string                   `bson:"training_history,omitempty" json:"training_history,omitempty"`
	Goals             string                   `bson:"goals,omitempty" json:"goals,omitempty"`
	WeeklyTime        float64                  `bson:"weekly_time,omitempty" json:"weekly_time,omitempty"` // Hours
	WeeklyMileage     float64                  `bson:"weekly_mileage,omitempty" json:"weekly_mileage,omitempty"`
	UnitPreference    string                   `bson:"unit_preference" json:"unit_preference"`
	TrainingIntensity string                   `bson:"training_intensity" json:"training_intensity"`
	RPEFamiliarity    string                   `bson:"rpe_familiarity,omitempty" json:"rpe_familiarity,omitempty"`
	MaxHR             int                      `bson:"max_hr,omitempty" json:"max_hr,omitempty"`
	RestingHR         int                      `bson:"resting_hr,omitempty" json:"resting_hr,omitempty"`
	DaysPerWeek       int                      `bson:"days_per_week,omitempty" json:"days_per_week,omitempty"`
	OtherRequests     string                   `bson:"other_requests,omitempty" json:"other_requests,omitempty"`
	StartingVolume    float64                  `bson:"starting_volume,omitempty" json:"starting_volume,omitempty"`
	MaxVolume         float64                  `bson:"max_volume,omitempty" json:"max_volume,omitempty"`
	AIChooseMaxVolume bool                     `bson:"ai_choose_max_volume" json:"ai_choose_max_volume"`
	WeeklySchedule    map[string]DayPreference `bson:"weekly_schedule,omitempty" json:"weekly_schedule,omitempty"`
	CreatedAt         time.Time                `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `bson:"updated_at" json:"updated_at"`
}

var leadingIntRegex = regexp.MustCompile(`\d+`)

// DeclaredWeeks parses the first integer out of PlanLength ("16 Weeks" -> 16).
// ok is false when the field holds no positive number.
func (in *Intake) DeclaredWeeks() (int, bool) {
	if in == nil {
		return 0, false
	}
	m := leadingIntRegex.FindString(in.PlanLength)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// TotalWeeks is DeclaredWeeks with the DefaultPlanWeeks fallback used when
// prompting.
func (in *Intake) TotalWeeks() int {
	if n, ok := in.DeclaredWeeks(); ok {
		return n
	}
	return DefaultPlanWeeks
}

// IsMetric reports whether volumes are in km (metric is the default).
func (in *Intake) IsMetric() bool {
	return in.UnitPreference != UnitImperial
}

// DistanceUnit is "km" or "miles".
func (in *Intake) DistanceUnit() string {
	if in.IsMetric() {
		return "km"
	}
	return "miles"
}

// UsesHeartRate reports whether days should carry heart_rate_range instead of rpe_range.
func (in *Intake) UsesHeartRate() bool {
	return in.TrainingIntensity == IntensityHeartRate
}

// HeartRateZone is one Karvonen training zone in beats per minute.
type HeartRateZone struct {
	Name string `json:"name"`
	Low  int    `json:"low"`
	High int    `json:"high"`
}

var karvonenZones = [][2]float64{
	{0.5, 0.6},
	{0.6, 0.7},
	{0.7, 0.8},
	{0.8, 0.9},
	{0.9, 1.0},
}

// HeartRateZones derives Z1-Z5 from heart-rate reserve. Returns nil unless
// both max and resting HR are known and max > resting.
func (in *Intake) HeartRateZones() []HeartRateZone {
	if in.MaxHR <= 0 || in.RestingHR <= 0 || in.MaxHR <= in.RestingHR {
		return nil
	}
	hrr := float64(in.MaxHR - in.RestingHR)
	rest := float64(in.RestingHR)
	zones := make([]HeartRateZone, len(karvonenZones))
	for i, z := range karvonenZones {
		zones[i] = HeartRateZone{
			Name: "Z" + strconv.Itoa(i+1),
			Low:  int(math.Round(hrr*z[0] + rest)),
			High: int(math.Round(hrr*z[1] + rest)),
		}
	}
	return zones
}
