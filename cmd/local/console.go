package main

import (
	"html/template"
	"net/http"
)

var consolePage = template.Must(template.New("console").Parse(`<!DOCTYPE html>
<html>
<head><title>RoomChat Local Dev</title></head>
<body>
<h1>RoomChat Local Development Server</h1>
<p>WebSocket endpoint: <code>ws://localhost:{{.WSPort}}/ws</code></p>
<p>Health check: <a href="http://localhost:{{.HealthPort}}/health">http://localhost:{{.HealthPort}}/health</a></p>
<h2>Test Console</h2>
<p>
  User <input type="text" id="user" value="alice">
  <button onclick="login()">Login</button>
  Chat with <input type="text" id="peer" value="bob">
  <button onclick="join()">Join</button>
  Room <input type="text" id="room" placeholder="room id">
  <button onclick="history()">History</button>
</p>
<div id="console" style="background:#f0f0f0;padding:10px;height:300px;overflow:auto;font-family:monospace;"></div>
<input type="text" id="input" style="width:80%" placeholder="Message text, or raw JSON starting with {">
<button onclick="send()">Send</button>
<script>
var ws = new WebSocket('ws://localhost:{{.WSPort}}/ws');
var out = document.getElementById('console');
function val(id) { return document.getElementById(id).value; }
function log(msg) { out.appendChild(document.createTextNode(msg)); out.appendChild(document.createElement('br')); out.scrollTop = out.scrollHeight; }
function raw(obj) { var s = JSON.stringify(obj); log('-> ' + s); ws.send(s); }
ws.onopen = function() { log('Connected'); };
ws.onmessage = function(e) {
  log('<- ' + e.data);
  try {
    var m = JSON.parse(e.data);
    if ((m.messageType === 'JoinResponse' || m.messageType === 'AddRoomResponse') && m.roomId) { document.getElementById('room').value = m.roomId; }
  } catch (err) {}
};
ws.onclose = function() { log('Disconnected'); };
ws.onerror = function() { log('Error'); };
function login() { raw({action: 'login', userId: val('user')}); }
function join() { raw({action: 'join', user1Id: val('user'), user2Id: val('peer')}); }
function history() { raw({action: 'getMessages', roomId: val('room'), timeStamp: ''}); }
function send() {
  var text = val('input');
  if (text.charAt(0) === '{') { log('-> ' + text); ws.send(text); }
  else { raw({action: 'sendMessage', data: {roomId: val('room'), userId: val('user'), message: text}}); }
  document.getElementById('input').value = '';
}
document.getElementById('input').addEventListener('keypress', function(e) {
  if (e.key === 'Enter') send();
});
</script>
</body>
</html>`))

func consoleHandler(wsPort, healthPort string) http.HandlerFunc {
	data := struct{ WSPort, HealthPort string }{wsPort, healthPort}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		consolePage.Execute(w, data)
	}
}
