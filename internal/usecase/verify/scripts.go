package verify

import (
	"encoding/json"
	"fmt"
	"strings"

	"loginpilot/internal/domain"
)

// Every script returns a string so results cross the transport unchanged.

// storageFrameJS opens a throwaway same-origin frame. The site removes
// window.localStorage from the main world, so storage is reached through
// a fresh frame and the frame is discarded afterwards.
const storageFrameJS = `const frame = document.createElement('iframe');
frame.style.display = 'none';
document.documentElement.appendChild(frame);`

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// injectScript stores token, JSON-quoted, under the "token" key.
func injectScript(token string) string {
	return fmt.Sprintf(`(() => {
try {
%s
frame.contentWindow.localStorage.setItem('token', JSON.stringify(%s));
frame.remove();
return JSON.stringify({ok: true});
} catch (e) {
return JSON.stringify({ok: false, error: String(e)});
}
})()`, storageFrameJS, jsString(token))
}

func redirectScript(url string) string {
	return fmt.Sprintf(`(() => { location.replace(%s); return 'ok'; })()`, jsString(url))
}

// identityScript reads the stored token back and calls the identity endpoint
// with it from inside the page.
const identityScript = `(async () => {
let token = null;
try {
` + storageFrameJS + `
const raw = frame.contentWindow.localStorage.getItem('token');
frame.remove();
token = raw ? JSON.parse(raw) : null;
} catch (e) {}
if (!token) return JSON.stringify({status: 0});
try {
const res = await fetch('/api/v9/users/@me', {headers: {Authorization: token}});
const user = res.ok ? await res.json() : null;
return JSON.stringify({status: res.status, token: token, user: user});
} catch (e) {
return JSON.stringify({status: -1, error: String(e)});
}
})()`

// scanScript looks for the signed-in user in storage and the DOM of one
// frame. It returns "" when nothing is found.
const scanScript = `(() => {
const entries = {};
const collect = (s) => { for (let i = 0; i < s.length; i++) { const k = s.key(i); entries[k] = s.getItem(k); } };
try { collect(window.localStorage); } catch (e) {}
if (Object.keys(entries).length === 0) {
try {
` + storageFrameJS + `
collect(frame.contentWindow.localStorage);
frame.remove();
} catch (e) {}
}
const parse = (v) => { try { return JSON.parse(v); } catch (e) { return null; } };
const user = (u, source) => JSON.stringify({source: source, id: u.id ? String(u.id) : '', username: u.username || '', discriminator: u.discriminator || ''});
for (const key of ['MultiAccountStore', 'user_id_cache']) {
const v = parse(entries[key]);
const u = v && ((v._state && v._state.users && v._state.users[0]) || (v.users && v.users[0]));
if (u && (u.username || u.id)) return user(u, key);
}
for (const k in entries) {
const m = /"username"\s*:\s*"([^"]+)"/.exec(entries[k] || '');
if (m) return user({username: m[1]}, 'storage:' + k);
}
const info = parse(entries['user_info']);
if (info && (info.username || info.id)) return user(info, 'user_info');
const area = document.querySelector('section[aria-label="User area"], div[class*="panels_"]');
if (area) {
const el = area.querySelector('[class*="nameTag_"], [class*="username_"]');
if (el && el.textContent.trim()) return user({username: el.textContent.trim()}, 'dom');
}
return '';
})()`

// challengeScript reports "true" when any selector matches.
func challengeScript(selectors []string) string {
	quoted := make([]string, len(selectors))
	for i, s := range selectors {
		quoted[i] = jsString(s)
	}
	return fmt.Sprintf(`(() => JSON.stringify([%s].some((s) => {
try { return !!document.querySelector(s); } catch (e) { return false; }
})))()`, strings.Join(quoted, ", "))
}

type injectResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type identityResult struct {
	Status int       `json:"status"`
	Token  string    `json:"token"`
	User   *userJSON `json:"user"`
	Error  string    `json:"error"`
}

type scanResult struct {
	Source string `json:"source"`
	userJSON
}

type userJSON struct {
	ID            flexString `json:"id"`
	Username      string     `json:"username"`
	Discriminator string     `json:"discriminator"`
}

func (u *userJSON) identity() *domain.Identity {
	if u == nil || (u.ID == "" && u.Username == "") {
		return nil
	}
	return &domain.Identity{UserID: string(u.ID), Username: u.Username, Discriminator: u.Discriminator}
}

// flexString accepts a JSON string or number. Numbers keep their literal
// digits.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
