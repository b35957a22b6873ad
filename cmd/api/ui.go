package main

import (
	"html/template"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"insight-resolver/internal/activitylog"
	"insight-resolver/internal/modal"
	"insight-resolver/internal/service"
)

type uiServer struct {
	svc *service.Service
	t   *template.Template
}

type uiIndexData struct {
	Resolutions []modal.Resolution
	Error       string
}

type uiDetailData struct {
	Resolution modal.Resolution
	Entries    []activitylog.View
	Forms      map[string]uiCorrectionForm
	Teach      bool
	Error      string
}

// uiCorrectionForm holds the values a correction form starts from.
type uiCorrectionForm struct {
	Verdict    modal.Verdict
	Confidence int
	Note       string
	Output     string
	Existing   bool
}

func registerUIRoutes(r chi.Router, svc *service.Service) {
	t := template.Must(template.New("base").Funcs(template.FuncMap{
		"ms": func(d *int64) string {
			if d == nil {
				return ""
			}
			return strconv.FormatInt(*d, 10) + " ms"
		},
	}).Parse(uiTemplates))
	s := &uiServer{svc: svc, t: t}

	r.Get("/ui", s.handleIndex)
	r.Post("/ui/start", s.handleStart)
	r.Get("/ui/resolutions/{resolutionId}", s.handleDetail)
	r.Post("/ui/resolutions/{resolutionId}/steps/{stepId}/feedback", s.handleCorrection)
}

// handleIndex lists resolutions, newest first.
func (s *uiServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := uiIndexData{Resolutions: s.svc.List(), Error: r.URL.Query().Get("error")}
	_ = s.t.ExecuteTemplate(w, "index", data)
}

func (s *uiServer) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Start(r.Context(), r.FormValue("issueId"))
	if err != nil {
		http.Redirect(w, r, "/ui?error="+url.QueryEscape(err.Error()), http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, "/ui/resolutions/"+res.ID, http.StatusSeeOther)
}

// handleDetail shows the activity log of one resolution. teach=1 adds
// confidence badges, review highlights and the correction forms.
func (s *uiServer) handleDetail(w http.ResponseWriter, r *http.Request) {
	s.renderDetail(w, r, "")
}

func (s *uiServer) renderDetail(w http.ResponseWriter, r *http.Request, errMsg string) {
	id := chi.URLParam(r, "resolutionId")
	teach := teachMode(r)
	data := uiDetailData{Teach: teach, Error: errMsg}

	res, err := s.svc.Get(id)
	if err != nil {
		w.WriteHeader(statusFor(err))
		data.Error = err.Error()
		_ = s.t.ExecuteTemplate(w, "detail", data)
		return
	}
	data.Resolution = res
	data.Entries, _ = s.svc.Activity(id, teach)
	if teach {
		data.Forms = s.correctionForms(r, res)
	}
	if errMsg != "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	_ = s.t.ExecuteTemplate(w, "detail", data)
}

// correctionForms prefills one form per finished step the same way a
// correction session opens: from stored feedback when there is any.
func (s *uiServer) correctionForms(r *http.Request, res modal.Resolution) map[string]uiCorrectionForm {
	forms := make(map[string]uiCorrectionForm, len(res.Steps))
	for _, st := range res.Steps {
		if !st.Status.Terminal() {
			continue
		}
		sess, err := s.svc.OpenCorrection(r.Context(), res.ID, st.ID)
		if err != nil {
			continue
		}
		_, existing := sess.Existing()
		forms[st.ID] = uiCorrectionForm{
			Verdict:    sess.Verdict(),
			Confidence: sess.AdjustedConfidence(),
			Note:       sess.CorrectionNote(),
			Output:     sess.Output(),
			Existing:   existing,
		}
		sess.Cancel()
	}
	return forms
}

// handleCorrection saves a correction from the inline form and returns to
// the teach mode view.
func (s *uiServer) handleCorrection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "resolutionId")
	stepID := chi.URLParam(r, "stepId")

	if err := r.ParseForm(); err != nil {
		s.renderDetail(w, r, "invalid form: "+err.Error())
		return
	}

	// Fields missing from the form keep the value the session prefills.
	var in service.CorrectionInput
	if _, ok := r.PostForm["verdict"]; ok {
		verdict := modal.Verdict(r.PostForm.Get("verdict"))
		in.Verdict = &verdict
	}
	if v := r.PostForm.Get("adjustedConfidence"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			s.renderDetail(w, r, "adjusted confidence must be a whole number")
			return
		}
		in.AdjustedConfidence = &c
	}
	if _, ok := r.PostForm["correctionNote"]; ok {
		note := r.PostForm.Get("correctionNote")
		in.CorrectionNote = &note
	}
	if _, ok := r.PostForm["updatedOutput"]; ok {
		out := r.PostForm.Get("updatedOutput")
		in.UpdatedOutput = &out
	}

	if _, err := s.svc.SubmitCorrection(r.Context(), id, stepID, in); err != nil {
		s.renderDetail(w, r, err.Error())
		return
	}
	http.Redirect(w, r, "/ui/resolutions/"+id+"?teach=1", http.StatusSeeOther)
}

const uiTemplates = `
{{define "index"}}
<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Insight Resolver</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { border-collapse: collapse; width: 100%; margin-top: 12px; }
    th, td { border: 1px solid #ddd; padding: 8px; }
    .err { color: #b00020; }
  </style>
</head>
<body>
  <h2>Insight Resolver</h2>
  {{if .Error}}<p class="err">{{.Error}}</p>{{end}}

  <form method="post" action="/ui/start">
    <input name="issueId" placeholder="INS-1042"/>
    <button type="submit">Resolve with agent</button>
  </form>

  <table>
    <thead><tr><th>Resolution</th><th>Issue</th><th>Status</th><th>Steps</th><th>Needs review</th></tr></thead>
    <tbody>
    {{range .Resolutions}}
      <tr>
        <td><a href="/ui/resolutions/{{.ID}}">{{.Title}}</a></td>
        <td>{{.IssueID}}</td>
        <td>{{.Status}}</td>
        <td>{{.TotalActions}}/{{.TotalSteps}}</td>
        <td>{{.CountNeedsReview}}</td>
      </tr>
    {{end}}
    </tbody>
  </table>
</body>
</html>
{{end}}

{{define "detail"}}
<!doctype html>
<html>
<head>
  <meta charset="utf-8"/>
  <title>Resolution Detail</title>
  {{if and .Resolution.ID (not .Resolution.Status.Terminal)}}<meta http-equiv="refresh" content="2"/>{{end}}
  <style>
    body { font-family: sans-serif; margin: 24px; }
    .err { color: #b00020; }
    table { border-collapse: collapse; width: 100%; margin-top: 12px; }
    th, td { border: 1px solid #ddd; padding: 8px; vertical-align: top; }
    tr.highlight { background: #fff4e5; }
    .badge { padding: 2px 6px; border-radius: 4px; background: #eee; }
    .review { background: #ffd8a8; }
  </style>
</head>
<body>
  <a href="/ui">← Back</a>
  {{if .Error}}<p class="err">{{.Error}}</p>{{end}}

  {{with .Resolution}}
  <h2>{{.Title}}</h2>
  <p>{{.Description}}</p>
  <p><b>Status:</b> {{.Status}} &middot; <b>Steps:</b> {{.TotalActions}}/{{.TotalSteps}}
     &middot; <b>Duration:</b> {{.TotalDurationMs}} ms &middot; <b>Needs review:</b> {{.CountNeedsReview}}</p>
  {{end}}

  {{if .Resolution.ID}}
  <p>
    {{if .Teach}}<a href="/ui/resolutions/{{.Resolution.ID}}">Hide teach mode</a>
    {{else}}<a href="/ui/resolutions/{{.Resolution.ID}}?teach=1">Teach mode</a>{{end}}
  </p>

  <h3>Activity</h3>
  <table>
    <thead><tr><th>#</th><th>Time</th><th>Entry</th><th>Duration</th>{{if .Teach}}<th>Confidence</th>{{end}}</tr></thead>
    <tbody>
    {{range .Entries}}
      <tr{{if .Highlight}} class="highlight"{{end}}>
        <td>{{.Index}}</td>
        <td>{{.Timestamp.Format "15:04:05"}}</td>
        <td><b>{{.Label}}</b> <span class="badge">{{.Type}}</span><br/>{{.Message}}
          {{if .Correctable}}
            {{$form := index $.Forms .StepID}}
            <details>
              <summary>{{if $form.Existing}}Edit correction{{else}}Correct this step{{end}}</summary>
              <form method="post" action="/ui/resolutions/{{$.Resolution.ID}}/steps/{{.StepID}}/feedback?teach=1">
                <p>
                  <label><input type="radio" name="verdict" value="correct"{{if eq $form.Verdict "correct"}} checked{{end}}/> Correct</label>
                  <label><input type="radio" name="verdict" value="partial"{{if eq $form.Verdict "partial"}} checked{{end}}/> Partially correct</label>
                  <label><input type="radio" name="verdict" value="incorrect"{{if eq $form.Verdict "incorrect"}} checked{{end}}/> Incorrect</label>
                </p>
                <label>Confidence: <input type="range" name="adjustedConfidence" min="0" max="100" value="{{$form.Confidence}}"/></label><br/>
                <label>Output:<br/><textarea name="updatedOutput" rows="3" cols="80">{{$form.Output}}</textarea></label><br/>
                <label>Note:<br/><textarea name="correctionNote" rows="2" cols="80">{{$form.Note}}</textarea></label><br/>
                <button type="submit">Save correction</button>
              </form>
            </details>
          {{end}}
        </td>
        <td>{{ms .DurationMs}}</td>
        {{if $.Teach}}<td>{{with .Confidence}}<span class="badge">{{.}}%</span>{{end}}{{if .NeedsReview}} <span class="badge review">needs review</span>{{end}}</td>{{end}}
      </tr>
    {{end}}
    </tbody>
  </table>
  {{end}}
</body>
</html>
{{end}}
`
