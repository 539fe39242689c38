package rating_test

import (
	"errors"
	"math"
	"testing"

	"github.com/okian/pbengine/internal/domain/model"
	"github.com/okian/pbengine/internal/domain/rating"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCalculator_ComputeRatings(t *testing.T) {
	Convey("Given a calculator with two algorithms", t, func() {
		calc := rating.New(rating.WithWeights(map[string]float64{
			"ktLampRating": 0.12,
			"BPI":          0.5,
			"ignored":      0,
		}))

		Convey("When rating valid score data", func() {
			out, err := calc.ComputeRatings(model.ScoreData{Score: 1500, Percent: 90})

			Convey("Then each positive weight yields a rounded rating", func() {
				So(err, ShouldBeNil)
				So(out, ShouldHaveLength, 2)
				So(out["ktLampRating"], ShouldEqual, 10.8)
				So(out["BPI"], ShouldEqual, 45)
			})
		})

		Convey("When the same data is rated twice", func() {
			sd := model.ScoreData{Score: 1234, Percent: 77.777}
			a, errA := calc.ComputeRatings(sd)
			b, errB := calc.ComputeRatings(sd)
			So(errA, ShouldBeNil)
			So(errB, ShouldBeNil)
			So(a, ShouldResemble, b)
		})

		Convey("When rating malformed data", func() {
			cases := []model.ScoreData{
				{Score: math.NaN(), Percent: 50},
				{Score: -1, Percent: 50},
				{Score: 10, Percent: 101},
				{Score: 10, Percent: -0.1},
				{Score: 10, Percent: math.Inf(1)},
				{Score: 10, Percent: 50, Metrics: map[string]float64{"bp": math.NaN()}},
			}
			for _, sd := range cases {
				out, err := calc.ComputeRatings(sd)
				So(out, ShouldBeNil)
				So(errors.Is(err, rating.ErrMalformedMetrics), ShouldBeTrue)
			}
		})
	})

	Convey("Given a calculator without weights", t, func() {
		out, err := rating.New().ComputeRatings(model.ScoreData{Score: 1, Percent: 1})
		So(err, ShouldBeNil)
		So(out, ShouldNotBeNil)
		So(out, ShouldBeEmpty)
	})

	Convey("Given a custom precision", t, func() {
		calc := rating.New(rating.WithWeights(map[string]float64{"r": 1.0 / 3}), rating.WithPrecision(0))
		out, err := calc.ComputeRatings(model.ScoreData{Score: 1, Percent: 50})
		So(err, ShouldBeNil)
		So(out["r"], ShouldEqual, 17)
	})
}
