package api

import (
	"encoding/base64"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

// The gate pages are self-contained HTML with inline styling so the flow
// works over Tor with JavaScript disabled.

var captchaPageTmpl = template.Must(template.New("captcha").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sigil - Verification Required</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e0e0e0;
        }
        .container {
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            padding: 40px;
            max-width: 420px;
            width: 90%;
            box-shadow: 0 8px 32px rgba(0, 0, 0, 0.3);
            border: 1px solid rgba(255, 255, 255, 0.1);
        }
        .brand { display: flex; align-items: center; gap: 12px; margin-bottom: 24px; }
        .brand-logo { font-size: 2rem; }
        .brand-text h1 { font-size: 1.4rem; color: #fff; margin-bottom: 4px; }
        .brand-text .subtitle { color: #888; font-size: 0.85rem; }
        .captcha-box {
            background: #0f0f1a;
            border-radius: 8px;
            padding: 20px;
            margin-bottom: 20px;
            text-align: center;
        }
        .captcha-image {
            border-radius: 4px;
            margin-bottom: 16px;
            background: #1a1a2e;
            min-height: 80px;
            display: flex;
            align-items: center;
            justify-content: center;
            overflow: hidden;
        }
        .captcha-image svg { max-width: 100%; height: auto; }
        .instructions { font-size: 0.85rem; color: #aaa; }
        .answer-input {
            width: 100%;
            padding: 14px 16px;
            background: #2a2a4a;
            border: 2px solid transparent;
            border-radius: 8px;
            color: #fff;
            font-size: 1.2rem;
            font-family: monospace;
            letter-spacing: 4px;
            text-align: center;
            text-transform: uppercase;
            margin-bottom: 16px;
        }
        .answer-input:focus { outline: none; border-color: #4a9eff; background: #2a3a5a; }
        .submit-btn {
            width: 100%;
            padding: 14px;
            background: linear-gradient(135deg, #4a9eff 0%, #3a7edf 100%);
            border: none;
            border-radius: 8px;
            color: white;
            font-size: 1rem;
            font-weight: 600;
            cursor: pointer;
        }
        .submit-btn:hover { box-shadow: 0 4px 12px rgba(74, 158, 255, 0.4); }
        .refresh-link {
            display: block;
            text-align: center;
            margin-top: 16px;
            color: #888;
            text-decoration: none;
            font-size: 0.85rem;
        }
        .refresh-link:hover { color: #aaa; }
        .footer { margin-top: 24px; text-align: center; font-size: 0.75rem; color: #666; }
        .error {
            background: rgba(255, 77, 77, 0.1);
            border: 1px solid rgba(255, 77, 77, 0.3);
            color: #ff6b6b;
            padding: 12px;
            border-radius: 8px;
            margin-bottom: 16px;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="brand">
            <span class="brand-logo">&#128274;</span>
            <div class="brand-text">
                <h1>Sigil</h1>
                <p class="subtitle">Human verification required</p>
            </div>
        </div>

        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}

        <form method="POST" action="/verify">
            <input type="hidden" name="challenge_id" value="{{.ChallengeID}}">

            <div class="captcha-box">
                <div class="captcha-image">
                    {{.SVG}}
                </div>
                <p class="instructions">{{.Instructions}}</p>
            </div>

            <input type="text"
                   class="answer-input"
                   name="answer"
                   placeholder="Enter code"
                   autocomplete="off"
                   autocapitalize="off"
                   spellcheck="false"
                   maxlength="8"
                   autofocus
                   required>

            <button type="submit" class="submit-btn">Verify</button>

            <a href="/" class="refresh-link">&#8635; New Challenge</a>
        </form>

        <div class="footer">
            Protected by Cerberus &bull; No JavaScript required
        </div>
    </div>
</body>
</html>`))

var welcomePageTmpl = template.Must(template.New("welcome").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sigil - Welcome</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            color: #e0e0e0;
            margin: 0;
        }
        .container {
            background: rgba(255, 255, 255, 0.05);
            border-radius: 16px;
            padding: 40px;
            max-width: 600px;
            text-align: center;
            border: 1px solid rgba(255, 255, 255, 0.1);
        }
        h1 { color: #4a9eff; margin-bottom: 16px; }
        .success { color: #6bff6b; font-size: 3rem; margin-bottom: 16px; }
        .info { background: rgba(74, 158, 255, 0.1); padding: 16px; border-radius: 8px; margin: 20px 0; font-family: monospace; font-size: 0.9rem; word-break: break-all; }
    </style>
</head>
<body>
    <div class="container">
        <div class="success">&#10003;</div>
        <h1>Welcome to Sigil</h1>
        <p>You have successfully passed human verification.</p>
        <div class="info">
            <strong>Passport Token:</strong><br>
            {{.TokenPreview}}...
        </div>
        <p>Your passport is valid for 10 minutes. You can now access the protected service.</p>
    </div>
</body>
</html>`))

type captchaPageData struct {
	Error        string
	ChallengeID  string
	SVG          template.HTML
	Instructions string
}

// handleCaptchaPage serves the gate with a freshly generated challenge.
func (s *Server) handleCaptchaPage(w http.ResponseWriter, r *http.Request) {
	s.renderCaptchaPage(w, r, "")
}

// renderCaptchaPage generates a challenge and renders the gate. The SVG is
// decoded from its data URL so it displays inline without script or
// external fetches. Blocked circuits are denied before any challenge is
// generated, same as the JSON flow.
func (s *Server) renderCaptchaPage(w http.ResponseWriter, r *http.Request, errMsg string) {
	if !s.checkAdmission(w, r, circuitID(r)) {
		return
	}

	difficulty := s.dial.Level().Difficulty()

	ch, err := s.engine.GenerateChallenge(r.Context(), circuitID(r), difficulty)
	if err != nil {
		slog.Error("Failed to generate challenge for page", "error", err)
		http.Error(w, "Failed to generate challenge", http.StatusInternalServerError)
		return
	}
	s.metrics.RecordChallenge(string(difficulty), ch.FromPool)

	svg := inlineSVG(ch.ImageData)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := captchaPageData{
		Error:        errMsg,
		ChallengeID:  ch.ChallengeID,
		SVG:          svg,
		Instructions: ch.Instructions,
	}
	if err := captchaPageTmpl.Execute(w, data); err != nil {
		slog.Error("Failed to render gate page", "error", err)
	}
}

// inlineSVG turns the generator's data URL back into markup. The SVG is
// produced entirely server-side from a fixed alphabet, so embedding it raw
// is safe; anything unexpected falls back to an img tag.
func inlineSVG(dataURL string) template.HTML {
	const prefix = "data:image/svg+xml;base64,"
	if strings.HasPrefix(dataURL, prefix) {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, prefix))
		if err == nil {
			return template.HTML(raw)
		}
	}
	escaped := template.HTMLEscapeString(dataURL)
	return template.HTML(`<img src="` + escaped + `" alt="CAPTCHA">`)
}

// handleProtectedApp is a stand-in for the hidden service: it admits only
// requests carrying a live passport and bounces everything else back to
// the gate.
func (s *Server) handleProtectedApp(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("passport_token")
	if token == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	ok, err := s.issuer.Validate(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	preview := token
	if len(preview) > 20 {
		preview = preview[:20]
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := welcomePageTmpl.Execute(w, struct{ TokenPreview string }{preview}); err != nil {
		slog.Error("Failed to render welcome page", "error", err)
	}
}
