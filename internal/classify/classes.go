// Package classify runs the CNN and ViT lesion classifiers and combines them
// by soft voting.
package classify

import (
	"fmt"

	"github.com/earlydot/lesion-api/internal/model"
)

// NumClasses is the width of every classifier head.
const NumClasses = 8

type Class struct {
	Code string
	KO   string
	EN   string
}

var classInfo = map[string]Class{
	"mel":  {Code: "mel", KO: "흑색종", EN: "Melanoma"},
	"nv":   {Code: "nv", KO: "모반", EN: "Nevus"},
	"bcc":  {Code: "bcc", KO: "기저세포암", EN: "Basal Cell Carcinoma"},
	"scc":  {Code: "scc", KO: "편평세포암", EN: "Squamous Cell Carcinoma"},
	"df":   {Code: "df", KO: "피부섬유종", EN: "Dermatofibroma"},
	"bkl":  {Code: "bkl", KO: "양성 각화증", EN: "Benign Keratosis"},
	"ak":   {Code: "ak", KO: "광선 각화증", EN: "Actinic Keratosis"},
	"vasc": {Code: "vasc", KO: "혈관종", EN: "Vascular Lesion"},
}

// Candidate class orders found in the training history. Which one the
// deployed weights use is pinned in the manifest and checked by calibrate.
var (
	ISICOrder     = []string{"ak", "bcc", "bkl", "df", "mel", "nv", "scc", "vasc"}
	ClinicalOrder = []string{"mel", "nv", "bcc", "scc", "df", "bkl", "ak", "vasc"}
)

// Classes maps output index to class.
type Classes []Class

func NewClasses(order []string) (Classes, error) {
	if err := model.ValidateClassOrder(order); err != nil {
		return nil, err
	}
	out := make(Classes, len(order))
	for i, code := range order {
		out[i] = classInfo[code]
	}
	return out, nil
}

func (c Classes) Codes() []string {
	codes := make([]string, len(c))
	for i, cl := range c {
		codes[i] = cl.Code
	}
	return codes
}

// Index returns the output index of code, or -1.
func (c Classes) Index(code string) int {
	for i, cl := range c {
		if cl.Code == code {
			return i
		}
	}
	return -1
}

func (c Classes) String() string {
	return fmt.Sprint(c.Codes())
}
