package model_test

import (
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	model "github.com/okian/pbengine/internal/domain/model"
)

func TestPBDocumentClone(t *testing.T) {
	convey.Convey("Given a fully populated PB document", t, func() {
		at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		rank, outOf := 1, 3
		doc := model.PBDocument{
			ChartID:        "c1",
			UserID:         "u1",
			ScoreID:        "s1",
			TimeAchieved:   &at,
			ScoreData:      model.ScoreData{Score: 10, Metrics: map[string]float64{"bp": 4}},
			CalculatedData: map[string]float64{"rating": 1.5},
			ComposedFrom:   []model.Composition{{Name: "scorePB", ScoreID: "s1"}},
			Rank:           &rank,
			OutOf:          &outOf,
		}

		convey.Convey("When the clone is mutated", func() {
			c := doc.Clone()
			c.ScoreData.Metrics["bp"] = 99
			c.CalculatedData["rating"] = 99
			c.ComposedFrom[0].ScoreID = "other"
			*c.TimeAchieved = at.Add(time.Hour)
			*c.Rank = 5
			*c.OutOf = 5

			convey.Convey("Then the original is untouched", func() {
				convey.So(doc.ScoreData.Metrics["bp"], convey.ShouldEqual, 4)
				convey.So(doc.CalculatedData["rating"], convey.ShouldEqual, 1.5)
				convey.So(doc.ComposedFrom[0].ScoreID, convey.ShouldEqual, "s1")
				convey.So(doc.TimeAchieved.Equal(at), convey.ShouldBeTrue)
				convey.So(*doc.Rank, convey.ShouldEqual, 1)
				convey.So(*doc.OutOf, convey.ShouldEqual, 3)
			})
		})

		convey.Convey("When cloning nil pointers", func() {
			c := model.PBDocument{ChartID: "c1"}.Clone()

			convey.Convey("Then they stay nil", func() {
				convey.So(c.Rank, convey.ShouldBeNil)
				convey.So(c.TimeAchieved, convey.ShouldBeNil)
				convey.So(c.CalculatedData, convey.ShouldBeNil)
			})
		})
	})
}

func TestRawScoreClone(t *testing.T) {
	convey.Convey("Given a raw score with extra metrics", t, func() {
		s := model.RawScore{ScoreID: "s1", ScoreData: model.ScoreData{Metrics: map[string]float64{"fast": 12}}}
		c := s.Clone()
		c.ScoreData.Metrics["fast"] = 0

		convey.So(s.ScoreData.Metrics["fast"], convey.ShouldEqual, 12)
	})
}
